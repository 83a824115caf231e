package recognition

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-listen/internal/codec"
)

type Kind string

const (
	KindPartialText Kind = "partialText"
	KindFinalText   Kind = "finalText"
	KindError       Kind = "error"
	KindStatus      Kind = "status"
	KindSoundLevel  Kind = "soundLevel"
)

type Status string

const (
	StatusListening    Status = "listening"
	StatusNotListening Status = "notListening"
	StatusDone         Status = "done"
	StatusDoneNoResult Status = "doneNoResult"
)

// Outbound method names understood by control surface clients.
const (
	MethodNotifyStatus     = "notifyStatus"
	MethodNotifyError      = "notifyError"
	MethodTextRecognition  = "textRecognition"
	MethodSoundLevelChange = "soundLevelChange"
)

// Event is one outbound notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind
	SessionID string
	Time      time.Time

	Text       string
	Confidence float64

	Message   string
	Permanent bool
	Err       error

	Status Status
	Level  float64
}

// Method returns the outbound method name for the event.
func (e Event) Method() string {
	switch e.Kind {
	case KindPartialText, KindFinalText:
		return MethodTextRecognition
	case KindError:
		return MethodNotifyError
	case KindSoundLevel:
		return MethodSoundLevelChange
	default:
		return MethodNotifyStatus
	}
}

// Payload renders the event argument as JSON: an object for recognition and
// error events, a string for status and a number for sound level.
func (e Event) Payload() json.RawMessage {
	switch e.Kind {
	case KindPartialText:
		return json.RawMessage(codec.EncodeRecognition(e.Text, e.Confidence, false))
	case KindFinalText:
		return json.RawMessage(codec.EncodeRecognition(e.Text, e.Confidence, true))
	case KindError:
		return json.RawMessage(codec.EncodeError(e.Message, e.Permanent))
	case KindSoundLevel:
		return json.RawMessage(strconv.FormatFloat(e.Level, 'f', -1, 64))
	default:
		data, _ := json.Marshal(string(e.Status))
		return data
	}
}

// Sink consumes events on the dispatcher goroutine. Deliver must not block
// for long; it delays every event queued behind it.
type Sink interface {
	Deliver(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Deliver(ev Event) {
	f(ev)
}

// MultiSink delivers each event to every sink in order.
type MultiSink []Sink

func (m MultiSink) Deliver(ev Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Deliver(ev)
		}
	}
}
