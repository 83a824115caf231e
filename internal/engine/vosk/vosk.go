// Package vosk binds libvosk at runtime. The shared library is resolved with
// dlopen so the daemon starts, and reports a useful error, on hosts where
// Vosk is not installed.
package vosk

import (
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/loqalabs/loqa-listen/internal/engine"
)

// DefaultLibraryNames are tried after any caller-supplied path.
var DefaultLibraryNames = []string{"libvosk.so", "libvosk.so.1"}

// Library is the purego-backed engine.Engine implementation.
type Library struct {
	handle uintptr

	modelNew        func(path string) uintptr
	modelFree       func(model uintptr)
	recognizerNew   func(model uintptr, sampleRate float32) uintptr
	recognizerFree  func(rec uintptr)
	acceptWaveform  func(rec uintptr, data unsafe.Pointer, length int32) int32
	result          func(rec uintptr) string
	partialResult   func(rec uintptr) string
	finalResult     func(rec uintptr) string
	reset           func(rec uintptr)
	setWords        func(rec uintptr, words int32)
	setPartialWords func(rec uintptr, partialWords int32)
	setLogLevel     func(level int32)
}

var _ engine.Engine = (*Library)(nil)

func New() *Library {
	return &Library{}
}

// Load opens the first loadable candidate and resolves every required
// symbol. Loading an already loaded library is a no-op.
func (l *Library) Load(libraryPath string) error {
	if l.handle != 0 {
		return nil
	}
	var candidates []string
	if libraryPath != "" {
		candidates = append(candidates, libraryPath)
	}
	candidates = append(candidates, DefaultLibraryNames...)
	return l.loadFrom(candidates)
}

func (l *Library) loadFrom(candidates []string) error {
	var lastErr error
	for _, candidate := range candidates {
		handle, err := purego.Dlopen(candidate, purego.RTLD_LAZY|purego.RTLD_LOCAL)
		if err == nil && handle != 0 {
			l.handle = handle
			break
		}
		lastErr = err
	}
	if l.handle == 0 {
		msg := "Unable to load libvosk"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		return &engine.LoadError{Message: msg}
	}

	symbols := []struct {
		name string
		fn   any
	}{
		{"vosk_model_new", &l.modelNew},
		{"vosk_model_free", &l.modelFree},
		{"vosk_recognizer_new", &l.recognizerNew},
		{"vosk_recognizer_free", &l.recognizerFree},
		{"vosk_recognizer_accept_waveform", &l.acceptWaveform},
		{"vosk_recognizer_result", &l.result},
		{"vosk_recognizer_partial_result", &l.partialResult},
		{"vosk_recognizer_final_result", &l.finalResult},
		{"vosk_recognizer_reset", &l.reset},
		{"vosk_recognizer_set_words", &l.setWords},
		{"vosk_recognizer_set_partial_words", &l.setPartialWords},
		{"vosk_set_log_level", &l.setLogLevel},
	}
	for _, sym := range symbols {
		ptr, err := purego.Dlsym(l.handle, sym.name)
		if err != nil || ptr == 0 {
			l.Unload()
			return &engine.LoadError{Message: "Missing symbol from libvosk: " + sym.name, Symbol: sym.name}
		}
		purego.RegisterFunc(sym.fn, ptr)
	}
	return nil
}

// Unload closes the library and clears every bound function.
func (l *Library) Unload() {
	if l.handle != 0 {
		_ = purego.Dlclose(l.handle)
		l.handle = 0
	}
	*l = Library{}
}

func (l *Library) Ready() bool {
	return l.handle != 0
}

func (l *Library) NewModel(path string) engine.Handle {
	if !l.Ready() || l.modelNew == nil {
		return 0
	}
	return engine.Handle(l.modelNew(path))
}

func (l *Library) FreeModel(model engine.Handle) {
	if model != 0 && l.modelFree != nil {
		l.modelFree(uintptr(model))
	}
}

func (l *Library) NewRecognizer(model engine.Handle, sampleRate float32) engine.Handle {
	if !l.Ready() || model == 0 || l.recognizerNew == nil {
		return 0
	}
	return engine.Handle(l.recognizerNew(uintptr(model), sampleRate))
}

func (l *Library) FreeRecognizer(rec engine.Handle) {
	if rec != 0 && l.recognizerFree != nil {
		l.recognizerFree(uintptr(rec))
	}
}

func (l *Library) AcceptWaveform(rec engine.Handle, samples []int16) int {
	if rec == 0 || l.acceptWaveform == nil || len(samples) == 0 {
		return 0
	}
	// vosk_recognizer_accept_waveform takes a byte length.
	return int(l.acceptWaveform(uintptr(rec), unsafe.Pointer(&samples[0]), int32(len(samples)*2)))
}

func (l *Library) Result(rec engine.Handle) string {
	if rec == 0 || l.result == nil {
		return ""
	}
	return l.result(uintptr(rec))
}

func (l *Library) PartialResult(rec engine.Handle) string {
	if rec == 0 || l.partialResult == nil {
		return ""
	}
	return l.partialResult(uintptr(rec))
}

func (l *Library) FinalResult(rec engine.Handle) string {
	if rec == 0 || l.finalResult == nil {
		return ""
	}
	return l.finalResult(uintptr(rec))
}

func (l *Library) Reset(rec engine.Handle) {
	if rec != 0 && l.reset != nil {
		l.reset(uintptr(rec))
	}
}

func (l *Library) EnableWordTimings(rec engine.Handle) {
	if rec != 0 && l.setWords != nil {
		l.setWords(uintptr(rec), 1)
	}
}

func (l *Library) EnablePartialWords(rec engine.Handle, enabled bool) {
	if rec == 0 || l.setPartialWords == nil {
		return
	}
	var v int32
	if enabled {
		v = 1
	}
	l.setPartialWords(uintptr(rec), v)
}

// ConfigureLogging maps debug to Kaldi log level 0, otherwise silences it.
func (l *Library) ConfigureLogging(debug bool) {
	if l.setLogLevel == nil {
		return
	}
	level := int32(-1)
	if debug {
		level = 0
	}
	l.setLogLevel(level)
}
