// Package wavsource replays 16-bit PCM WAV files as an input device so the
// bridge can run headless.
package wavsource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listen/internal/audio"
)

// System exposes a single device backed by one WAV file.
type System struct {
	path     string
	realtime bool
}

var _ audio.System = (*System)(nil)

// New returns a replay system for path. When realtime is set, frames are
// delivered no faster than the file's sample rate.
func New(path string, realtime bool) *System {
	return &System{path: path, realtime: realtime}
}

func (s *System) Initialize() error {
	if s.path == "" {
		return errors.New("wavsource: no wav path configured")
	}
	return nil
}

func (s *System) Terminate() error { return nil }

func (s *System) DefaultInputDevice() (audio.Device, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return audio.Device{}, audio.ErrNoDevice
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return audio.Device{}, audio.ErrNoDevice
	}
	return audio.Device{
		Index:             0,
		Name:              filepath.Base(s.path),
		HostAPI:           "wav",
		MaxInputChannels:  int(dec.NumChans),
		DefaultSampleRate: float64(dec.SampleRate),
	}, nil
}

func (s *System) InputDevices() ([]audio.Device, error) {
	dev, err := s.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("wavsource: %s is not a readable wav file", s.path)
	}
	return []audio.Device{dev}, nil
}

func (s *System) OpenInput(params audio.StreamParams) (audio.Stream, error) {
	if params.FramesPerBuffer <= 0 {
		return nil, errors.New("wavsource: frames per buffer must be positive")
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("wavsource: open %s: %w", s.path, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("wavsource: %s is not a valid wav file", s.path)
	}
	if dec.BitDepth != 16 {
		f.Close()
		return nil, fmt.Errorf("wavsource: unsupported bit depth %d", dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	rate := int(dec.SampleRate)
	if rate <= 0 {
		rate = params.SampleRate
	}
	if rate <= 0 {
		rate = 16000
	}
	return &Stream{
		file:     f,
		dec:      dec,
		channels: channels,
		frame:    time.Duration(params.FramesPerBuffer) * time.Second / time.Duration(rate),
		realtime: s.realtime,
		pcm: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: channels, SampleRate: rate},
			Data:   make([]int, params.FramesPerBuffer*channels),
		},
		done: make(chan struct{}),
	}, nil
}

// Stream reads interleaved frames and downmixes them to mono.
type Stream struct {
	file     *os.File
	dec      *wav.Decoder
	pcm      *goaudio.IntBuffer
	channels int
	frame    time.Duration
	realtime bool

	mu       sync.Mutex
	started  bool
	stopped  bool
	closed   bool
	deadline time.Time
	done     chan struct{}
}

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("wavsource: stream closed")
	}
	s.started = true
	s.deadline = time.Now()
	return nil
}

// Read fills buf with the next frame. The end of the file surfaces as
// audio.ErrStreamStopped.
func (s *Stream) Read(buf []int16) error {
	s.mu.Lock()
	if s.stopped || s.closed || !s.started {
		s.mu.Unlock()
		return audio.ErrStreamStopped
	}
	s.deadline = s.deadline.Add(s.frame)
	wait := time.Until(s.deadline)
	s.mu.Unlock()

	if s.realtime && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return audio.ErrStreamStopped
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.closed {
		return audio.ErrStreamStopped
	}
	want := len(buf) * s.channels
	if len(s.pcm.Data) < want {
		s.pcm.Data = make([]int, want)
	}
	s.pcm.Data = s.pcm.Data[:want]
	n, err := s.dec.PCMBuffer(s.pcm)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("wavsource: read pcm: %w", err)
	}
	if n == 0 {
		return audio.ErrStreamStopped
	}
	frames := n / s.channels
	for i := range buf {
		if i >= frames {
			buf[i] = 0
			continue
		}
		var sum int
		for c := 0; c < s.channels; c++ {
			sum += s.pcm.Data[i*s.channels+c]
		}
		buf[i] = int16(sum / s.channels)
	}
	return nil
}

func (s *Stream) Stop() error {
	s.halt()
	return nil
}

func (s *Stream) Abort() error {
	s.halt()
	return nil
}

func (s *Stream) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
}

func (s *Stream) Close() error {
	s.halt()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
