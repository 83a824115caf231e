package runtime

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-listen/internal/audio/portaudio"
	"github.com/loqalabs/loqa-listen/internal/audio/wavsource"
	"github.com/loqalabs/loqa-listen/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewAudioSystemSelectsBackend(t *testing.T) {
	if _, ok := newAudioSystem(config.AudioConfig{Backend: "wav", WAVPath: "a.wav"}).(*wavsource.System); !ok {
		t.Fatalf("expected wav backend")
	}
	if _, ok := newAudioSystem(config.AudioConfig{Backend: "portaudio"}).(portaudio.System); !ok {
		t.Fatalf("expected portaudio backend")
	}
}

func TestReadyBeforeStart(t *testing.T) {
	rt := New(config.Default(), slog.Default())
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", rec.Code)
	}
}
