package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FramesPerBuffer != 1024 || cfg.Audio.OpenTimeoutMS != 2000 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if !cfg.Listen.PartialResults {
		t.Fatal("expected partial results on by default")
	}
	if cfg.Bus.SubjectPrefix != "listen" {
		t.Fatalf("expected default subject prefix, got %q", cfg.Bus.SubjectPrefix)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_BUS_SUBJECT_PREFIX", "kitchen")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Bus.SubjectPrefix != "kitchen" {
		t.Fatalf("expected subject prefix override, got %q", cfg.Bus.SubjectPrefix)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 {
		t.Fatalf("expected heartbeat interval override")
	}
	if cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat timeout override")
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
}

func TestVoskBootstrapFromEnv(t *testing.T) {
	t.Setenv("LOQA_VOSK_MODEL_PATH", "/opt/models/vosk-model-small-en-us-0.15")
	t.Setenv("LOQA_VOSK_LIBRARY_PATH", "/opt/vosk/libvosk.so")
	t.Setenv("LOQA_VOSK_LOCALE", "en-US")
	t.Setenv("LOQA_VOSK_DISPLAY_NAME", "English (small)")
	t.Setenv("LOQA_LISTEN_PAUSE_FOR_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.ModelPath != "/opt/models/vosk-model-small-en-us-0.15" {
		t.Fatalf("expected model path override, got %q", cfg.Engine.ModelPath)
	}
	if cfg.Engine.LibraryPath != "/opt/vosk/libvosk.so" {
		t.Fatalf("expected library path override, got %q", cfg.Engine.LibraryPath)
	}
	if cfg.Engine.Locale != "en-US" || cfg.Engine.DisplayName != "English (small)" {
		t.Fatalf("expected locale overrides, got %+v", cfg.Engine)
	}
	if cfg.Listen.PauseForMS != 1500 {
		t.Fatalf("expected pause override, got %d", cfg.Listen.PauseForMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	data := []byte(`
runtime_name: kitchen-listener
audio:
  backend: wav
  wav_path: /tmp/fixture.wav
  wav_realtime: false
listen:
  partial_results: false
  listen_for_ms: 8000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "kitchen-listener" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Audio.Backend != "wav" || cfg.Audio.WAVRealtime {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.FramesPerBuffer != 1024 {
		t.Fatalf("expected default frames per buffer to survive, got %d", cfg.Audio.FramesPerBuffer)
	}
	if cfg.Listen.PartialResults || cfg.Listen.ListenForMS != 8000 {
		t.Fatalf("unexpected listen config: %+v", cfg.Listen)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"LOQA_AUDIO_BACKEND":       "alsa",
		"LOQA_TELEMETRY_LOG_LEVEL": "verbose",
		"LOQA_BUS_SUBJECT_PREFIX":  "listen.>",
		"LOQA_LISTEN_PAUSE_FOR_MS": "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}

	t.Run("wav without path", func(t *testing.T) {
		t.Setenv("LOQA_AUDIO_BACKEND", "wav")
		if _, err := Load(""); err == nil {
			t.Fatal("expected error for wav backend without path")
		}
	})
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
