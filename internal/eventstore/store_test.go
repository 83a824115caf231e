package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/recognition"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatalf("ephemeral store should not persist")
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Kind: "status"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil || sessions != nil {
		t.Fatalf("expected no sessions, got %v (%v)", sessions, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.AppendSession(ctx, sessionID, "node-1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Kind: "finalText", Method: "textRecognition", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.SetOutcome(ctx, sessionID, OutcomeDone); err != nil {
		t.Fatalf("set outcome: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].Method != "textRecognition" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to round trip")
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Outcome != OutcomeDone || sessions[0].NodeID != "node-1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestAppendEventRequiresSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(context.Background(), Event{Kind: "error"}); err == nil {
		t.Fatalf("expected error for event without session id")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "node"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Kind: "status", Method: "notifyStatus"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "node"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("unexpected sessions after prune: %+v", sessions)
	}
}

func TestRecorderPersistsSessionTimeline(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(context.Background(), es, "node-7", newLogger())

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, ev := range []recognition.Event{
		{Kind: recognition.KindStatus, Status: recognition.StatusListening},
		{Kind: recognition.KindSoundLevel, Level: 2.5},
		{Kind: recognition.KindPartialText, Text: "lights", Confidence: -1},
		{Kind: recognition.KindFinalText, Text: "lights on", Confidence: 0.9},
		{Kind: recognition.KindStatus, Status: recognition.StatusNotListening},
		{Kind: recognition.KindStatus, Status: recognition.StatusDone},
	} {
		ev.SessionID = "s-1"
		ev.Time = at.Add(time.Duration(i) * time.Millisecond)
		rec.Deliver(ev)
	}
	rec.Deliver(recognition.Event{Kind: recognition.KindError, Message: "Missing Vosk model path", Permanent: true})
	rec.Close()
	rec.Close()

	events, err := es.ListSessionEvents(context.Background(), "s-1", 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{"status", "partialText", "finalText", "status", "status"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Fatalf("event %d: expected kind %s, got %s", i, kind, events[i].Kind)
		}
	}
	if string(events[2].Payload) != `{"alternates":[{"recognizedWords":"lights on","confidence":0.9}],"resultType":2}` {
		t.Fatalf("unexpected final payload: %s", events[2].Payload)
	}

	sessions, err := es.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Outcome != OutcomeDone || sessions[0].NodeID != "node-7" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestRecorderKeepsSoundLevelsWhenConfigured(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session", RecordSoundLevels: true})
	rec := NewRecorder(context.Background(), es, "node", newLogger())
	rec.Deliver(recognition.Event{Kind: recognition.KindStatus, Status: recognition.StatusListening, SessionID: "s-2"})
	rec.Deliver(recognition.Event{Kind: recognition.KindSoundLevel, Level: 1.25, SessionID: "s-2"})
	rec.Deliver(recognition.Event{Kind: recognition.KindStatus, Status: recognition.StatusNotListening, SessionID: "s-2"})
	rec.Close()

	events, err := es.ListSessionEvents(context.Background(), "s-2", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[1].Method != recognition.MethodSoundLevelChange || string(events[1].Payload) != "1.25" {
		t.Fatalf("unexpected events: %+v", events)
	}
	sessions, _ := es.ListSessions(context.Background(), 10)
	if len(sessions) != 1 || sessions[0].Outcome != OutcomeEnded {
		t.Fatalf("expected ended outcome, got %+v", sessions)
	}
}
