package audio

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubStream struct {
	closed atomic.Int32
}

func (s *stubStream) Start() error       { return nil }
func (s *stubStream) Read([]int16) error { return nil }
func (s *stubStream) Stop() error        { return nil }
func (s *stubStream) Abort() error       { return nil }
func (s *stubStream) Close() error {
	s.closed.Add(1)
	return nil
}

type stubSystem struct {
	openDelay time.Duration
	openErr   error
	stream    *stubStream
	devices   []Device
	listErr   error
	opened    chan struct{}
}

func (s *stubSystem) Initialize() error { return nil }
func (s *stubSystem) Terminate() error  { return nil }
func (s *stubSystem) DefaultInputDevice() (Device, error) {
	if len(s.devices) == 0 {
		return Device{}, ErrNoDevice
	}
	return s.devices[0], nil
}
func (s *stubSystem) InputDevices() ([]Device, error) { return s.devices, s.listErr }
func (s *stubSystem) OpenInput(StreamParams) (Stream, error) {
	time.Sleep(s.openDelay)
	defer func() {
		if s.opened != nil {
			close(s.opened)
		}
	}()
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.stream, nil
}

func TestSoundLevelBounds(t *testing.T) {
	require.Equal(t, 0.0, SoundLevel(nil))
	require.Equal(t, 0.0, SoundLevel(make([]int16, 1024)))

	loud := make([]int16, 1024)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = math.MaxInt16
		} else {
			loud[i] = math.MinInt16
		}
	}
	level := SoundLevel(loud)
	require.InDelta(t, 90.0, level, 0.01)

	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		frame := make([]int16, 1+rng.Intn(2048))
		for i := range frame {
			frame[i] = int16(rng.Intn(1<<16) - 1<<15)
		}
		v := SoundLevel(frame)
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 120.0)
	}
}

func TestOpenWithTimeoutReturnsStream(t *testing.T) {
	stream := &stubStream{}
	sys := &stubSystem{stream: stream}
	got, err := OpenWithTimeout(sys, StreamParams{SampleRate: 16000, FramesPerBuffer: 1024}, time.Second)
	require.NoError(t, err)
	require.Same(t, stream, got)
	require.Zero(t, stream.closed.Load())
}

func TestOpenWithTimeoutPropagatesError(t *testing.T) {
	openErr := errors.New("PortAudio error (-9996): Invalid device")
	sys := &stubSystem{openErr: openErr}
	_, err := OpenWithTimeout(sys, StreamParams{}, time.Second)
	require.ErrorIs(t, err, openErr)
}

func TestOpenWithTimeoutClosesLateStream(t *testing.T) {
	stream := &stubStream{}
	sys := &stubSystem{stream: stream, openDelay: 150 * time.Millisecond, opened: make(chan struct{})}

	start := time.Now()
	got, err := OpenWithTimeout(sys, StreamParams{}, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrOpenTimeout)
	require.Nil(t, got)
	require.Less(t, time.Since(start), 120*time.Millisecond)

	<-sys.opened
	require.Eventually(t, func() bool { return stream.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDescribeDevices(t *testing.T) {
	sys := &stubSystem{devices: []Device{
		{Index: 0, Name: "Built-in Mic", HostAPI: "ALSA", MaxInputChannels: 2, DefaultSampleRate: 44100},
		{Index: 1, Name: "HDMI", HostAPI: "ALSA", MaxInputChannels: 0, DefaultSampleRate: 48000},
	}}
	out := DescribeDevices(sys)
	require.Equal(t, "[0] Built-in Mic (API: ALSA, channels: 2, default SR: 44100)\n", out)

	require.Equal(t, "No input devices detected.", DescribeDevices(&stubSystem{}))

	onlyOutputs := &stubSystem{devices: []Device{{Index: 3, Name: "Speakers"}}}
	require.Equal(t, "No input-capable devices detected.", DescribeDevices(onlyOutputs))

	failing := &stubSystem{listErr: errors.New("PortAudio error (-10000): PortAudio not initialized")}
	require.True(t, strings.HasPrefix(DescribeDevices(failing), "PortAudio error"))
}
