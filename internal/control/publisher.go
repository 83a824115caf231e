package control

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/recognition"
)

// Publisher is a recognition.Sink that forwards each event to
// "<prefix>.event.<method>".
type Publisher struct {
	bus *bus.Client
	log *slog.Logger
}

var _ recognition.Sink = (*Publisher)(nil)

func NewPublisher(busClient *bus.Client) *Publisher {
	return &Publisher{
		bus: busClient,
		log: busClient.Logger().With(slog.String("component", "event-publisher")),
	}
}

func (p *Publisher) Deliver(ev recognition.Event) {
	env := protocol.Envelope{
		Method:    ev.Method(),
		SessionID: ev.SessionID,
		Payload:   ev.Payload(),
		Timestamp: ev.Time,
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.log.Warn("failed to marshal event", slog.String("error", err.Error()))
		return
	}
	subject := p.bus.Subject(protocol.TokenEvent, env.Method)
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
