package engine

import (
	"errors"
	"sync"
)

// Handle is an opaque pointer owned by the recognition backend.
type Handle uintptr

// Engine is the capability set of a recognition backend loaded at runtime.
// Every call on an engine that is not ready, or with a zero handle, is a
// no-op returning the zero value.
type Engine interface {
	Load(libraryPath string) error
	Unload()
	Ready() bool

	NewModel(path string) Handle
	FreeModel(model Handle)

	NewRecognizer(model Handle, sampleRate float32) Handle
	FreeRecognizer(recognizer Handle)
	// AcceptWaveform returns 0 while more input is needed and nonzero once an
	// utterance boundary has been reached.
	AcceptWaveform(recognizer Handle, samples []int16) int
	Result(recognizer Handle) string
	PartialResult(recognizer Handle) string
	FinalResult(recognizer Handle) string
	Reset(recognizer Handle)
	EnableWordTimings(recognizer Handle)
	EnablePartialWords(recognizer Handle, enabled bool)
	ConfigureLogging(debug bool)
}

// LoadError reports that the backend library or one of its symbols could not
// be resolved. Message carries the loader diagnostic.
type LoadError struct {
	Message string
	Symbol  string
}

func (e *LoadError) Error() string {
	return e.Message
}

var (
	ErrModelOpen        = errors.New("engine: failed to open model")
	ErrRecognizerCreate = errors.New("engine: failed to create recognizer")
)

// Model owns a loaded acoustic/language model.
type Model struct {
	eng    Engine
	handle Handle
	path   string
	once   sync.Once
}

// OpenModel loads the model stored at path.
func OpenModel(eng Engine, path string) (*Model, error) {
	if eng == nil || !eng.Ready() {
		return nil, ErrModelOpen
	}
	h := eng.NewModel(path)
	if h == 0 {
		return nil, ErrModelOpen
	}
	return &Model{eng: eng, handle: h, path: path}, nil
}

func (m *Model) Path() string {
	if m == nil {
		return ""
	}
	return m.path
}

// Close frees the model. Safe to call more than once and on nil.
func (m *Model) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		m.eng.FreeModel(m.handle)
		m.handle = 0
	})
}

// Recognizer owns one recognizer bound to a model and a sample rate.
type Recognizer struct {
	eng    Engine
	handle Handle
	once   sync.Once
}

func NewRecognizer(eng Engine, model *Model, sampleRate int) (*Recognizer, error) {
	if eng == nil || model == nil || model.handle == 0 {
		return nil, ErrRecognizerCreate
	}
	h := eng.NewRecognizer(model.handle, float32(sampleRate))
	if h == 0 {
		return nil, ErrRecognizerCreate
	}
	return &Recognizer{eng: eng, handle: h}, nil
}

func (r *Recognizer) live() bool {
	return r != nil && r.handle != 0
}

// AcceptWaveform feeds samples and reports whether an utterance boundary was reached.
func (r *Recognizer) AcceptWaveform(samples []int16) bool {
	if !r.live() || len(samples) == 0 {
		return false
	}
	return r.eng.AcceptWaveform(r.handle, samples) != 0
}

func (r *Recognizer) Result() string {
	if !r.live() {
		return ""
	}
	return r.eng.Result(r.handle)
}

func (r *Recognizer) PartialResult() string {
	if !r.live() {
		return ""
	}
	return r.eng.PartialResult(r.handle)
}

func (r *Recognizer) FinalResult() string {
	if !r.live() {
		return ""
	}
	return r.eng.FinalResult(r.handle)
}

func (r *Recognizer) Reset() {
	if r.live() {
		r.eng.Reset(r.handle)
	}
}

func (r *Recognizer) EnableWordTimings() {
	if r.live() {
		r.eng.EnableWordTimings(r.handle)
	}
}

func (r *Recognizer) EnablePartialWords(enabled bool) {
	if r.live() {
		r.eng.EnablePartialWords(r.handle, enabled)
	}
}

// Close frees the recognizer exactly once.
func (r *Recognizer) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.eng.FreeRecognizer(r.handle)
		r.handle = 0
	})
}
