// Package recognition owns the listening state machine: it loads the engine
// and model, opens capture streams, runs the capture loop and emits events
// through a Dispatcher.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/codec"
	"github.com/loqalabs/loqa-listen/internal/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSampleRate      = 16000
	DefaultFramesPerBuffer = 1024
)

type Options struct {
	Engine          engine.Engine
	Audio           audio.System
	Sink            Sink
	Logger          *slog.Logger
	Metrics         *Metrics
	FramesPerBuffer int
	OpenTimeout     time.Duration
	// SampleRate is used until a listen call supplies its own.
	SampleRate int
	Clock      func() time.Time
}

type InitializeOptions struct {
	ModelPath    string
	LibraryPath  string
	Locale       string
	DisplayName  string
	DebugLogging bool
}

type ListenOptions struct {
	PartialResults bool
	// SampleRate <= 0 keeps the rate of the previous session.
	SampleRate int
	// ListenFor and PauseFor disable their termination rule when zero.
	ListenFor time.Duration
	PauseFor  time.Duration
}

func DefaultListenOptions() ListenOptions {
	return ListenOptions{PartialResults: true}
}

// Session is the shared state between control calls and the capture loop.
// At most one capture loop runs at a time.
type Session struct {
	eng             engine.Engine
	audio           audio.System
	dispatcher      *Dispatcher
	logger          *slog.Logger
	metrics         *Metrics
	tracer          trace.Tracer
	clock           func() time.Time
	framesPerBuffer int
	openTimeout     time.Duration
	debug           atomic.Bool

	// initMu serializes Initialize with Close. Engine and model loading run
	// under it without holding mu.
	initMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	audioReady  bool
	closed      bool
	model       *engine.Model
	localeTag   string
	localeLabel string
	sampleRate  int
	listening   bool
	opening     bool
	run         *listenRun
}

// listenRun is the per-listen state: the stream and recognizer pair and the
// flags control calls use to end the capture loop.
type listenRun struct {
	id              string
	stream          audio.Stream
	recognizer      *engine.Recognizer
	partialResults  bool
	listenFor       time.Duration
	pauseFor        time.Duration
	framesPerBuffer int

	stopRequested   atomic.Bool
	cancelRequested atomic.Bool
	done            chan struct{}
	releaseOnce     sync.Once
}

// interrupt unblocks a pending Read. Callers hold Session.mu so the stream
// cannot be closed concurrently.
func (r *listenRun) interrupt() {
	_ = r.stream.Stop()
	_ = r.stream.Abort()
}

func (r *listenRun) release() {
	r.releaseOnce.Do(func() {
		_ = r.stream.Close()
		r.recognizer.Close()
	})
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	frames := opts.FramesPerBuffer
	if frames <= 0 {
		frames = DefaultFramesPerBuffer
	}
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = audio.DefaultOpenTimeout
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &Session{
		eng:             opts.Engine,
		audio:           opts.Audio,
		dispatcher:      NewDispatcher(opts.Sink),
		logger:          logger.With(slog.String("component", "recognition")),
		metrics:         opts.Metrics,
		tracer:          otel.Tracer("github.com/loqalabs/loqa-listen/recognition"),
		clock:           clock,
		framesPerBuffer: frames,
		openTimeout:     timeout,
		sampleRate:      rate,
	}
}

// HasPermission reports whether microphone access is granted. Linux hosts
// have no permission prompt.
func (s *Session) HasPermission() bool {
	return true
}

// Initialize loads the engine (once), opens the model at opts.ModelPath,
// replacing any previous model, and prepares the audio subsystem. Failures
// return false and emit one error event. Status queries and capture keep
// running while the model loads.
func (s *Session) Initialize(ctx context.Context, opts InitializeOptions) bool {
	_, span := s.tracer.Start(ctx, "recognition.initialize",
		trace.WithAttributes(attribute.String("model.path", opts.ModelPath)))
	defer span.End()

	if opts.ModelPath == "" {
		s.fail(span, "", ErrMissingModelPath, "Missing Vosk model path", true)
		return false
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.fail(span, "", ErrClosed, "Speech engine is shut down", true)
		return false
	}
	s.debug.Store(opts.DebugLogging)

	if !s.eng.Ready() {
		if err := s.eng.Load(opts.LibraryPath); err != nil {
			s.fail(span, "", err, err.Error(), true)
			return false
		}
	}
	s.eng.ConfigureLogging(opts.DebugLogging)

	model, err := engine.OpenModel(s.eng, opts.ModelPath)
	if err != nil {
		s.fail(span, "", fmt.Errorf("%w: %w", ErrModelLoad, err), "Failed to open Vosk model", true)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.Close()
	s.model = model

	if !s.audioReady {
		if err := s.audio.Initialize(); err != nil {
			s.model.Close()
			s.model = nil
			s.initialized = false
			s.localeTag, s.localeLabel = "", ""
			s.fail(span, "", fmt.Errorf("%w: %w", ErrAudioSubsystem, err), err.Error(), true)
			return false
		}
		s.audioReady = true
	}

	locale := opts.Locale
	if locale == "" {
		locale = codec.GuessLocaleFromModelPath(opts.ModelPath)
	}
	display := opts.DisplayName
	if display == "" {
		display = locale + " (Vosk)"
	}
	s.localeTag = locale
	s.localeLabel = locale + ":" + display
	s.initialized = true

	span.SetAttributes(attribute.String("locale", locale))
	s.debugLog("model loaded", slog.String("path", opts.ModelPath), slog.String("locale", locale))
	return true
}

// Listen starts a capture session. It returns false, after emitting one
// error event, when the session cannot start; a concurrent session makes it
// return false silently.
func (s *Session) Listen(ctx context.Context, opts ListenOptions) bool {
	_, span := s.tracer.Start(ctx, "recognition.listen")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.model == nil || s.closed {
		s.fail(span, "", ErrNotInitialized, "Speech engine not initialized", true)
		return false
	}
	if s.listening || s.opening {
		s.debugLog("already listening")
		return false
	}

	if opts.SampleRate > 0 {
		s.sampleRate = opts.SampleRate
	}
	if s.sampleRate <= 0 {
		s.sampleRate = DefaultSampleRate
	}
	id := uuid.NewString()
	span.SetAttributes(
		attribute.String("session.id", id),
		attribute.Int("sample_rate", s.sampleRate),
		attribute.Bool("partial_results", opts.PartialResults),
	)

	recognizer, err := engine.NewRecognizer(s.eng, s.model, s.sampleRate)
	if err != nil {
		s.fail(span, id, fmt.Errorf("%w: %w", ErrRecognizerCreate, err), "Failed to create Vosk recognizer", true)
		return false
	}
	recognizer.EnableWordTimings()
	recognizer.EnablePartialWords(opts.PartialResults)

	device, err := s.audio.DefaultInputDevice()
	if err != nil {
		recognizer.Close()
		msg := "No default input device. Detected devices: " + audio.DescribeDevices(s.audio)
		s.fail(span, id, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err), msg, true)
		return false
	}

	params := audio.StreamParams{Device: device, SampleRate: s.sampleRate, FramesPerBuffer: s.framesPerBuffer}
	s.opening = true
	s.mu.Unlock()
	stream, err := audio.OpenWithTimeout(s.audio, params, s.openTimeout)
	s.mu.Lock()
	s.opening = false

	switch {
	case errors.Is(err, audio.ErrOpenTimeout):
		recognizer.Close()
		msg := "Timed out while opening audio input. Detected devices: " + audio.DescribeDevices(s.audio)
		s.fail(span, id, fmt.Errorf("%w: %w", ErrStreamOpenTimeout, err), msg, false)
		return false
	case err != nil:
		recognizer.Close()
		s.fail(span, id, fmt.Errorf("%w: %w", ErrStreamOpen, err), err.Error(), false)
		return false
	case s.closed:
		_ = stream.Close()
		recognizer.Close()
		s.fail(span, id, ErrClosed, "Speech engine is shut down", true)
		return false
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		recognizer.Close()
		s.fail(span, id, fmt.Errorf("%w: %w", ErrStreamOpen, err), err.Error(), false)
		return false
	}

	run := &listenRun{
		id:              id,
		stream:          stream,
		recognizer:      recognizer,
		partialResults:  opts.PartialResults,
		listenFor:       opts.ListenFor,
		pauseFor:        opts.PauseFor,
		framesPerBuffer: s.framesPerBuffer,
		done:            make(chan struct{}),
	}
	s.run = run
	s.listening = true
	s.emit(Event{Kind: KindStatus, SessionID: id, Status: StatusListening})
	go s.capture(run)

	s.debugLog("listening started",
		slog.String("session_id", id),
		slog.String("device", device.Name),
		slog.Int("sample_rate", s.sampleRate))
	return true
}

// Stop ends the current session after a final result. It blocks until the
// capture loop has exited and is a no-op when not listening.
func (s *Session) Stop() {
	s.halt(false)
}

// Cancel ends the current session without a final result or done status.
func (s *Session) Cancel() {
	s.halt(true)
}

func (s *Session) halt(cancel bool) {
	s.mu.Lock()
	run := s.run
	if !s.listening || run == nil {
		s.mu.Unlock()
		return
	}
	if cancel {
		run.cancelRequested.Store(true)
	}
	run.stopRequested.Store(true)
	run.interrupt()
	s.mu.Unlock()

	<-run.done

	s.mu.Lock()
	run.release()
	if s.run == run {
		s.run = nil
		s.listening = false
	}
	s.mu.Unlock()
}

// Locales returns the configured model's "<tag>:<display name>" label, or
// an empty list before a successful Initialize.
func (s *Session) Locales() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localeLabel == "" {
		return []string{}
	}
	return []string{s.localeLabel}
}

// LocaleTag returns the locale of the configured model, "" before Initialize.
func (s *Session) LocaleTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localeTag
}

func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Close cancels any capture, frees the model, terminates the audio subsystem
// and unloads the engine. Queued events are delivered before it returns.
func (s *Session) Close() {
	s.Cancel()

	s.initMu.Lock()
	defer s.initMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.initialized = false
	s.model.Close()
	s.model = nil
	if s.audioReady {
		if err := s.audio.Terminate(); err != nil {
			s.logger.Warn("audio terminate failed", slog.String("error", err.Error()))
		}
		s.audioReady = false
	}
	s.eng.Unload()
	s.mu.Unlock()

	s.dispatcher.Close()
}

func (s *Session) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.clock().UTC()
	}
	s.metrics.event(ev.Kind)
	s.dispatcher.Emit(ev)
}

func (s *Session) fail(span trace.Span, sessionID string, err error, message string, permanent bool) {
	s.logger.Warn("recognition failure",
		slog.String("error", err.Error()),
		slog.Bool("permanent", permanent))
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, message)
	}
	s.emit(Event{
		Kind:      KindError,
		SessionID: sessionID,
		Message:   message,
		Permanent: permanent,
		Err:       err,
	})
}

// debugLog logs session progress at info level when debug logging was requested
// on Initialize and at debug level otherwise.
func (s *Session) debugLog(msg string, attrs ...any) {
	level := slog.LevelDebug
	if s.debug.Load() {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, msg, attrs...)
}
