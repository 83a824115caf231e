package recognition

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/engine"
	"github.com/stretchr/testify/require"
)

// step scripts the engine's reaction to the n-th accepted frame (from 1).
type step func(n int) (boundary bool, result, partial string)

type fakeEngine struct {
	mu            sync.Mutex
	ready         bool
	loadErr       error
	failModel     bool
	failRecognize bool
	next          engine.Handle
	models        int
	recognizers   int
	unloaded      bool
	debug         bool
	modelDelay    time.Duration

	script      step
	frames      int
	lastResult  string
	lastPartial string
	final       string
}

func (e *fakeEngine) Load(string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return e.loadErr
	}
	e.ready = true
	return nil
}

func (e *fakeEngine) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = false
	e.unloaded = true
}

func (e *fakeEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *fakeEngine) NewModel(string) engine.Handle {
	e.mu.Lock()
	delay := e.modelDelay
	e.mu.Unlock()
	time.Sleep(delay)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failModel {
		return 0
	}
	e.next++
	e.models++
	return e.next
}

func (e *fakeEngine) FreeModel(engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.models--
}

func (e *fakeEngine) NewRecognizer(engine.Handle, float32) engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failRecognize {
		return 0
	}
	e.next++
	e.recognizers++
	e.frames = 0
	return e.next
}

func (e *fakeEngine) FreeRecognizer(engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recognizers--
}

func (e *fakeEngine) AcceptWaveform(_ engine.Handle, _ []int16) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	e.lastResult, e.lastPartial = "", `{"partial" : ""}`
	if e.script == nil {
		return 0
	}
	boundary, result, partial := e.script(e.frames)
	e.lastResult = result
	if partial != "" {
		e.lastPartial = partial
	}
	if boundary {
		return 1
	}
	return 0
}

func (e *fakeEngine) Result(engine.Handle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

func (e *fakeEngine) PartialResult(engine.Handle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPartial
}

func (e *fakeEngine) FinalResult(engine.Handle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final
}

func (e *fakeEngine) Reset(engine.Handle)                    {}
func (e *fakeEngine) EnableWordTimings(engine.Handle)        {}
func (e *fakeEngine) EnablePartialWords(engine.Handle, bool) {}

func (e *fakeEngine) ConfigureLogging(debug bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.debug = debug
}

func (e *fakeEngine) setModelDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modelDelay = d
}

func (e *fakeEngine) live() (models, recognizers int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.models, e.recognizers
}

type fakeStream struct {
	frameDelay time.Duration
	failAfter  int
	readErr    error
	overflowAt int

	reads    atomic.Int32
	closed   atomic.Int32
	haltOnce sync.Once
	halted   chan struct{}
}

func newFakeStream(delay time.Duration) *fakeStream {
	return &fakeStream{frameDelay: delay, halted: make(chan struct{})}
}

func (s *fakeStream) Start() error { return nil }

func (s *fakeStream) Read(buf []int16) error {
	n := int(s.reads.Add(1))
	if n == s.overflowAt {
		return audio.ErrInputOverflowed
	}
	if s.readErr != nil && n > s.failAfter {
		return s.readErr
	}
	select {
	case <-time.After(s.frameDelay):
	case <-s.halted:
		return audio.ErrStreamStopped
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (s *fakeStream) Stop() error {
	s.haltOnce.Do(func() { close(s.halted) })
	return nil
}

func (s *fakeStream) Abort() error { return s.Stop() }

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeAudio struct {
	mu         sync.Mutex
	initErr    error
	noDevice   bool
	openErr    error
	openDelay  time.Duration
	startErr   error
	frameDelay time.Duration
	readErr    error
	failAfter  int
	overflowAt int
	streams    []*fakeStream
	initCount  int
	terminated bool
}

func (a *fakeAudio) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initCount++
	return a.initErr
}

func (a *fakeAudio) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated = true
	return nil
}

func (a *fakeAudio) DefaultInputDevice() (audio.Device, error) {
	if a.noDevice {
		return audio.Device{}, audio.ErrNoDevice
	}
	return audio.Device{Index: 0, Name: "Test Mic", HostAPI: "ALSA", MaxInputChannels: 1, DefaultSampleRate: 16000}, nil
}

func (a *fakeAudio) InputDevices() ([]audio.Device, error) {
	if a.noDevice {
		return nil, nil
	}
	dev, _ := a.DefaultInputDevice()
	return []audio.Device{dev}, nil
}

func (a *fakeAudio) OpenInput(audio.StreamParams) (audio.Stream, error) {
	time.Sleep(a.openDelay)
	if a.openErr != nil {
		return nil, a.openErr
	}
	stream := newFakeStream(a.frameDelay)
	stream.readErr = a.readErr
	stream.failAfter = a.failAfter
	stream.overflowAt = a.overflowAt
	a.mu.Lock()
	a.streams = append(a.streams, stream)
	a.mu.Unlock()
	if a.startErr != nil {
		return &failingStart{fakeStream: stream, err: a.startErr}, nil
	}
	return stream, nil
}

func (a *fakeAudio) lastStream() *fakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.streams) == 0 {
		return nil
	}
	return a.streams[len(a.streams)-1]
}

type failingStart struct {
	*fakeStream
	err error
}

func (s *failingStart) Start() error { return s.err }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Deliver(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind Kind) []Event {
	var out []Event
	for _, ev := range r.snapshot() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) statuses() []Status {
	var out []Status
	for _, ev := range r.ofKind(KindStatus) {
		out = append(out, ev.Status)
	}
	return out
}

func (r *recorder) waitStatus(t *testing.T, status Status, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range r.statuses() {
			if s == status {
				return true
			}
		}
		return false
	}, timeout, 5*time.Millisecond, "status %s not observed", status)
}

type harness struct {
	session *Session
	engine  *fakeEngine
	audio   *fakeAudio
	events  *recorder
}

func newHarness(t *testing.T, eng *fakeEngine, sys *fakeAudio) *harness {
	t.Helper()
	if eng == nil {
		eng = &fakeEngine{}
	}
	if sys == nil {
		sys = &fakeAudio{frameDelay: 10 * time.Millisecond}
	}
	rec := &recorder{}
	s := New(Options{
		Engine:          eng,
		Audio:           sys,
		Sink:            rec,
		FramesPerBuffer: 160,
		OpenTimeout:     200 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return &harness{session: s, engine: eng, audio: sys, events: rec}
}

var errBoom = errors.New("boom")
