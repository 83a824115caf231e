package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-listen/internal/eventstore"
)

// HistoryStore is the read side of the event store.
type HistoryStore interface {
	ListSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type sessionView struct {
	SessionID string    `json:"session_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type eventView struct {
	Kind      string          `json:"kind"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// RegisterHistory mounts the read-only session history endpoints on mux.
func RegisterHistory(mux *http.ServeMux, store HistoryStore, log *slog.Logger) {
	h := &history{store: store, log: log.With(slog.String("component", "history-api"))}
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}/events", h.listEvents)
}

type history struct {
	store HistoryStore
	log   *slog.Logger
}

func (h *history) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context(), limitParam(r, 20))
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			SessionID: s.SessionID,
			NodeID:    s.NodeID,
			Outcome:   s.Outcome,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *history) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListSessionEvents(r.Context(), r.PathValue("id"), limitParam(r, 100))
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		out = append(out, eventView{Kind: e.Kind, Method: e.Method, Payload: payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *history) fail(w http.ResponseWriter, err error) {
	h.log.Warn("history query failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return min(n, 1000)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
