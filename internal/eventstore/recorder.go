package eventstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/recognition"
)

const recorderQueue = 1024

// Recorder is a recognition.Sink that persists session history in the
// background. Sound levels are skipped unless the store is configured to
// keep them.
type Recorder struct {
	store  *Store
	nodeID string
	log    *slog.Logger
	ctx    context.Context

	mu     sync.Mutex
	closed bool
	queue  chan recognition.Event
	done   chan struct{}
}

var _ recognition.Sink = (*Recorder)(nil)

func NewRecorder(ctx context.Context, store *Store, nodeID string, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		nodeID: nodeID,
		log:    log.With(slog.String("component", "event-recorder")),
		ctx:    ctx,
		queue:  make(chan recognition.Event, recorderQueue),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) Deliver(ev recognition.Event) {
	if !r.store.Enabled() || ev.SessionID == "" {
		return
	}
	if ev.Kind == recognition.KindSoundLevel && !r.store.cfg.RecordSoundLevels {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.log.Warn("event recorder queue full, dropping event", slog.String("session_id", ev.SessionID))
	}
}

// Close flushes queued events and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		if err := r.record(ev); err != nil {
			r.log.Warn("failed to record event",
				slog.String("session_id", ev.SessionID),
				slog.String("method", ev.Method()),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Recorder) record(ev recognition.Event) error {
	ctx := context.WithoutCancel(r.ctx)
	if ev.Kind == recognition.KindStatus && ev.Status == recognition.StatusListening {
		if err := r.store.AppendSession(ctx, ev.SessionID, r.nodeID); err != nil {
			return err
		}
	}
	if err := r.store.AppendEvent(ctx, Event{
		SessionID: ev.SessionID,
		Kind:      string(ev.Kind),
		Method:    ev.Method(),
		Payload:   ev.Payload(),
		CreatedAt: ev.Time,
	}); err != nil {
		return err
	}
	if ev.Kind != recognition.KindStatus {
		return nil
	}
	switch ev.Status {
	case recognition.StatusNotListening:
		return r.store.SetOutcome(ctx, ev.SessionID, OutcomeEnded)
	case recognition.StatusDone:
		return r.store.SetOutcome(ctx, ev.SessionID, OutcomeDone)
	case recognition.StatusDoneNoResult:
		return r.store.SetOutcome(ctx, ev.SessionID, OutcomeNoResult)
	}
	return nil
}
