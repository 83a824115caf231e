package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type countingEngine struct {
	ready           bool
	nextHandle      Handle
	freedModels     int
	freedRecognizer int
	accepted        int
}

func (e *countingEngine) Load(string) error {
	e.ready = true
	return nil
}
func (e *countingEngine) Unload() { e.ready = false }
func (e *countingEngine) Ready() bool { return e.ready }
func (e *countingEngine) NewModel(path string) Handle {
	if path == "" {
		return 0
	}
	e.nextHandle++
	return e.nextHandle
}
func (e *countingEngine) FreeModel(Handle) { e.freedModels++ }
func (e *countingEngine) NewRecognizer(model Handle, _ float32) Handle {
	e.nextHandle++
	return e.nextHandle
}
func (e *countingEngine) FreeRecognizer(Handle) { e.freedRecognizer++ }
func (e *countingEngine) AcceptWaveform(_ Handle, samples []int16) int {
	e.accepted += len(samples)
	return 1
}
func (e *countingEngine) Result(Handle) string { return `{"text":"x"}` }
func (e *countingEngine) PartialResult(Handle) string { return `{"partial":"x"}` }
func (e *countingEngine) FinalResult(Handle) string { return `{"text":""}` }
func (e *countingEngine) Reset(Handle) {}
func (e *countingEngine) EnableWordTimings(Handle) {}
func (e *countingEngine) EnablePartialWords(Handle, bool) {}
func (e *countingEngine) ConfigureLogging(bool) {}

func TestOpenModelRequiresReadyEngine(t *testing.T) {
	eng := &countingEngine{}
	_, err := OpenModel(eng, "/models/en")
	require.ErrorIs(t, err, ErrModelOpen)

	eng.ready = true
	_, err = OpenModel(eng, "")
	require.ErrorIs(t, err, ErrModelOpen)

	model, err := OpenModel(eng, "/models/en")
	require.NoError(t, err)
	require.Equal(t, "/models/en", model.Path())
}

func TestModelCloseReleasesOnce(t *testing.T) {
	eng := &countingEngine{ready: true}
	model, err := OpenModel(eng, "/models/en")
	require.NoError(t, err)

	model.Close()
	model.Close()
	require.Equal(t, 1, eng.freedModels)

	var nilModel *Model
	nilModel.Close()
}

func TestRecognizerLifecycle(t *testing.T) {
	eng := &countingEngine{ready: true}
	model, err := OpenModel(eng, "/models/en")
	require.NoError(t, err)

	rec, err := NewRecognizer(eng, model, 16000)
	require.NoError(t, err)
	require.True(t, rec.AcceptWaveform(make([]int16, 4)))
	require.False(t, rec.AcceptWaveform(nil))
	require.Equal(t, 4, eng.accepted)

	rec.Close()
	rec.Close()
	require.Equal(t, 1, eng.freedRecognizer)

	// Closed recognizers never reach the engine.
	require.False(t, rec.AcceptWaveform(make([]int16, 4)))
	require.Empty(t, rec.Result())
	require.Empty(t, rec.PartialResult())
	require.Empty(t, rec.FinalResult())
	require.Equal(t, 4, eng.accepted)
}

func TestNewRecognizerWithoutModel(t *testing.T) {
	_, err := NewRecognizer(&countingEngine{ready: true}, nil, 16000)
	require.ErrorIs(t, err, ErrRecognizerCreate)
}

func TestLoadErrorMessage(t *testing.T) {
	err := error(&LoadError{Message: "Missing symbol from libvosk: vosk_model_new", Symbol: "vosk_model_new"})
	require.EqualError(t, err, "Missing symbol from libvosk: vosk_model_new")
}
