package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/api"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/audio/portaudio"
	"github.com/loqalabs/loqa-listen/internal/audio/wavsource"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/control"
	"github.com/loqalabs/loqa-listen/internal/engine/vosk"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/presence"
	"github.com/loqalabs/loqa-listen/internal/recognition"
	"go.opentelemetry.io/otel"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg               config.Config
	logger            *slog.Logger
	httpServer        *http.Server
	telemetryShutdown func(context.Context) error
	ready             atomic.Bool
	wg                sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	recorder *eventstore.Recorder
	events   *api.EventStream
	session  *recognition.Session
	control  *control.Service
	presence atomic.Pointer[presence.Registry]
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, blocks until ctx is done and then tears
// them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryShutdown = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.recorder = eventstore.NewRecorder(ctx, store, r.cfg.Node.ID, r.logger)
	r.events = api.NewEventStream(r.logger)

	metrics, err := recognition.NewMetrics(otel.Meter("github.com/loqalabs/loqa-listen/recognition"))
	if err != nil {
		r.logger.Warn("failed to initialize recognition metrics", slog.String("error", err.Error()))
	}

	r.session = recognition.New(recognition.Options{
		Engine: vosk.New(),
		Audio:  newAudioSystem(r.cfg.Audio),
		Sink: recognition.MultiSink{
			control.NewPublisher(r.bus),
			r.events,
			r.recorder,
			recognition.SinkFunc(r.notifyPresence),
		},
		Logger:          r.logger,
		Metrics:         metrics,
		FramesPerBuffer: r.cfg.Audio.FramesPerBuffer,
		OpenTimeout:     time.Duration(r.cfg.Audio.OpenTimeoutMS) * time.Millisecond,
		SampleRate:      r.cfg.Audio.SampleRate,
	})

	r.control = control.NewService(ctx, r.bus, announcingController{Session: r.session, rt: r}, r.cfg.Listen)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("failed to start control surface: %w", err)
	}

	registry, err := presence.NewRegistry(ctx, r.cfg.Node, r.bus, r.session, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence: %w", err)
	}
	r.presence.Store(registry)

	r.autoInitialize(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/events", r.events)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api.RegisterHistory(mux, r.store, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("audio_backend", r.cfg.Audio.Backend))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

// autoInitialize issues the configured initialize call so the daemon can
// accept listen requests without a client bootstrapping it first.
func (r *Runtime) autoInitialize(ctx context.Context) {
	eng := r.cfg.Engine
	if !eng.AutoInitialize || eng.ModelPath == "" {
		return
	}
	ok := r.session.Initialize(ctx, recognition.InitializeOptions{
		ModelPath:    eng.ModelPath,
		LibraryPath:  eng.LibraryPath,
		Locale:       eng.Locale,
		DisplayName:  eng.DisplayName,
		DebugLogging: eng.DebugLogging,
	})
	if !ok {
		r.logger.Warn("auto initialize failed", slog.String("model_path", eng.ModelPath))
		return
	}
	r.logger.Info("speech engine initialized", slog.Any("locales", r.session.Locales()))
	r.announce()
}

func (r *Runtime) announce() {
	if reg := r.presence.Load(); reg != nil {
		if err := reg.Announce(); err != nil {
			r.logger.Warn("failed to announce locales", slog.String("error", err.Error()))
		}
	}
}

// announcingController republishes presence after a remote initialize so
// peers see the new locales before the next heartbeat.
type announcingController struct {
	*recognition.Session
	rt *Runtime
}

func (c announcingController) Initialize(ctx context.Context, opts recognition.InitializeOptions) bool {
	ok := c.Session.Initialize(ctx, opts)
	if ok {
		c.rt.announce()
	}
	return ok
}

func (r *Runtime) notifyPresence(ev recognition.Event) {
	if reg := r.presence.Load(); reg != nil {
		reg.Deliver(ev)
	}
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.events != nil {
		r.events.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.session != nil {
		r.session.Close()
	}
	if reg := r.presence.Load(); reg != nil {
		reg.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.telemetryShutdown != nil {
		if err := r.telemetryShutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func newAudioSystem(cfg config.AudioConfig) audio.System {
	if cfg.Backend == "wav" {
		return wavsource.New(cfg.WAVPath, cfg.WAVRealtime)
	}
	return portaudio.New()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.control.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
