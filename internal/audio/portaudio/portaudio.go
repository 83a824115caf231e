// Package portaudio captures microphone input through PortAudio's blocking
// read API.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-listen/internal/audio"
)

// System implements audio.System on top of the process-wide PortAudio host.
type System struct{}

var _ audio.System = System{}

func New() System {
	return System{}
}

func (System) Initialize() error {
	return describe(pa.Initialize())
}

func (System) Terminate() error {
	return describe(pa.Terminate())
}

func (System) DefaultInputDevice() (audio.Device, error) {
	info, err := pa.DefaultInputDevice()
	if err != nil || info == nil {
		return audio.Device{}, audio.ErrNoDevice
	}
	return convert(info), nil
}

func (System) InputDevices() ([]audio.Device, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, describe(err)
	}
	devices := make([]audio.Device, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.MaxInputChannels <= 0 {
			continue
		}
		devices = append(devices, convert(info))
	}
	return devices, nil
}

func (System) OpenInput(params audio.StreamParams) (audio.Stream, error) {
	info, err := lookup(params.Device.Index)
	if err != nil {
		return nil, err
	}
	buf := make([]int16, params.FramesPerBuffer)
	sp := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   info,
			Channels: 1,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(params.SampleRate),
		FramesPerBuffer: params.FramesPerBuffer,
		Flags:           pa.ClipOff,
	}
	stream, err := pa.OpenStream(sp, buf)
	if err != nil {
		return nil, describe(err)
	}
	return &Stream{stream: stream, buf: buf}, nil
}

// Stream wraps a blocking PortAudio input stream. Close is idempotent.
type Stream struct {
	stream *pa.Stream
	buf    []int16

	mu     sync.Mutex
	closed bool
}

func (s *Stream) Start() error {
	return describe(s.stream.Start())
}

func (s *Stream) Read(buf []int16) error {
	if err := s.stream.Read(); err != nil {
		return describe(err)
	}
	copy(buf, s.buf)
	return nil
}

func (s *Stream) Stop() error {
	return describe(s.stream.Stop())
}

func (s *Stream) Abort() error {
	return describe(s.stream.Abort())
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return describe(s.stream.Close())
}

func lookup(index int) (*pa.DeviceInfo, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, describe(err)
	}
	for _, info := range infos {
		if info != nil && info.Index == index {
			return info, nil
		}
	}
	return nil, fmt.Errorf("portaudio: device %d not found", index)
}

func convert(info *pa.DeviceInfo) audio.Device {
	d := audio.Device{
		Index:                  info.Index,
		Name:                   info.Name,
		MaxInputChannels:       info.MaxInputChannels,
		DefaultSampleRate:      info.DefaultSampleRate,
		DefaultLowInputLatency: info.DefaultLowInputLatency,
	}
	if info.HostApi != nil {
		d.HostAPI = info.HostApi.Name
	}
	return d
}

// describe maps PortAudio codes onto the audio sentinels and renders the rest
// as "PortAudio error (<code>): <text>".
func describe(err error) error {
	if err == nil {
		return nil
	}
	var paErr pa.Error
	if !errors.As(err, &paErr) {
		return err
	}
	switch paErr {
	case pa.InputOverflowed:
		return audio.ErrInputOverflowed
	case pa.StreamIsStopped, pa.StreamIsNotStopped:
		return audio.ErrStreamStopped
	}
	return fmt.Errorf("PortAudio error (%d): %s", int(paErr), paErr.Error())
}
