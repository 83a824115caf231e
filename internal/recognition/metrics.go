package recognition

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the recognition instruments. A nil *Metrics records nothing.
type Metrics struct {
	sessions metric.Int64Counter
	events   metric.Int64Counter
	frames   metric.Int64Counter
	duration metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	sessions, err := meter.Int64Counter("loqa.listen.sessions",
		metric.WithDescription("Listen sessions by outcome"))
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter("loqa.listen.events",
		metric.WithDescription("Outbound recognition events by kind"))
	if err != nil {
		return nil, err
	}
	frames, err := meter.Int64Counter("loqa.listen.frames",
		metric.WithDescription("Audio frames fed to the recognizer"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("loqa.listen.session.duration",
		metric.WithDescription("Listen session duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{sessions: sessions, events: events, frames: frames, duration: duration}, nil
}

func (m *Metrics) event(kind Kind) {
	if m == nil {
		return
	}
	m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *Metrics) frame() {
	if m == nil {
		return
	}
	m.frames.Add(context.Background(), 1)
}

func (m *Metrics) session(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.sessions.Add(context.Background(), 1, attrs)
	m.duration.Record(context.Background(), elapsed.Seconds(), attrs)
}
