package audio

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInputOverflowed is transient; the capture loop keeps reading.
	ErrInputOverflowed = errors.New("audio: input overflowed")
	// ErrStreamStopped ends a capture loop without being reported.
	ErrStreamStopped = errors.New("audio: stream is stopped")
	ErrOpenTimeout   = errors.New("audio: timed out opening input stream")
	ErrNoDevice      = errors.New("audio: no default input device")
)

// DefaultOpenTimeout bounds how long OpenWithTimeout waits on the driver.
const DefaultOpenTimeout = 2 * time.Second

// Device describes an input-capable device.
type Device struct {
	Index                  int
	Name                   string
	HostAPI                string
	MaxInputChannels       int
	DefaultSampleRate      float64
	DefaultLowInputLatency time.Duration
}

// StreamParams selects a mono 16-bit input stream.
type StreamParams struct {
	Device          Device
	SampleRate      int
	FramesPerBuffer int
}

// System is an audio host: PortAudio for microphones, WAV files for replay.
type System interface {
	Initialize() error
	Terminate() error
	DefaultInputDevice() (Device, error)
	InputDevices() ([]Device, error)
	OpenInput(params StreamParams) (Stream, error)
}

// Stream is an open input stream. Read blocks until buf is full. Stop and
// Abort may be called from another goroutine to unblock a pending Read.
type Stream interface {
	Start() error
	Read(buf []int16) error
	Stop() error
	Abort() error
	Close() error
}

// DescribeDevices renders the input devices for error messages. It is never
// parsed.
func DescribeDevices(sys System) string {
	devices, err := sys.InputDevices()
	if err != nil {
		return err.Error()
	}
	if len(devices) == 0 {
		return "No input devices detected."
	}
	var b strings.Builder
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		name := d.Name
		if name == "" {
			name = "unknown"
		}
		api := d.HostAPI
		if api == "" {
			api = "unknown"
		}
		fmt.Fprintf(&b, "[%d] %s (API: %s, channels: %d, default SR: %g)\n",
			d.Index, name, api, d.MaxInputChannels, d.DefaultSampleRate)
	}
	if b.Len() == 0 {
		return "No input-capable devices detected."
	}
	return b.String()
}

type openResult struct {
	stream Stream
	err    error
}

// OpenWithTimeout opens an input stream on a separate goroutine so a hung
// driver cannot block the caller past timeout. A stream that arrives after
// the deadline is closed.
func OpenWithTimeout(sys System, params StreamParams, timeout time.Duration) (Stream, error) {
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	var (
		mu        sync.Mutex
		abandoned bool
		results   = make(chan openResult, 1)
	)
	go func() {
		stream, err := sys.OpenInput(params)
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if stream != nil {
				_ = stream.Close()
			}
			return
		}
		results <- openResult{stream: stream, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-results:
		if res.err != nil && res.stream != nil {
			_ = res.stream.Close()
			res.stream = nil
		}
		return res.stream, res.err
	case <-timer.C:
		mu.Lock()
		abandoned = true
		select {
		case res := <-results:
			if res.stream != nil {
				_ = res.stream.Close()
			}
		default:
		}
		mu.Unlock()
		return nil, ErrOpenTimeout
	}
}

// SoundLevel converts the RMS energy of a frame to a decibel-like value in
// [0, 120]. Silence maps to 0.
func SoundLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var accum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		accum += v * v
	}
	rms := math.Sqrt(accum / float64(len(samples)))
	db := 20*math.Log10(rms+1e-9) + 90
	if math.IsNaN(db) || math.IsInf(db, 0) || db < 0 {
		return 0
	}
	if db > 120 {
		return 120
	}
	return db
}
