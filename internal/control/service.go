// Package control exposes a recognition session over NATS request/reply and
// publishes its events back onto the bus.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/recognition"
	"github.com/nats-io/nats.go"
)

// Controller is the session surface served over the bus.
type Controller interface {
	HasPermission() bool
	Initialize(ctx context.Context, opts recognition.InitializeOptions) bool
	Listen(ctx context.Context, opts recognition.ListenOptions) bool
	Stop()
	Cancel()
	Locales() []string
	Listening() bool
}

type Service struct {
	bus      *bus.Client
	ctrl     Controller
	defaults config.ListenConfig
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	subs     []*nats.Subscription
	ready    bool
}

func NewService(parent context.Context, busClient *bus.Client, ctrl Controller, defaults config.ListenConfig) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		ctrl:     ctrl,
		defaults: defaults,
		log:      busClient.Logger().With(slog.String("component", "control")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.OpHasPermission: s.handleHasPermission,
		protocol.OpInitialize:    s.handleInitialize,
		protocol.OpListen:        s.handleListen,
		protocol.OpStop:          s.handleStop,
		protocol.OpCancel:        s.handleCancel,
		protocol.OpLocales:       s.handleLocales,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range protocol.Operations {
		subject := s.bus.Subject(protocol.TokenControl, op)
		sub, err := s.bus.Conn().Subscribe(subject, handlers[op])
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	s.log.Info("control surface ready", slog.String("subject", s.bus.Subject(protocol.TokenControl, "*")))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.ready = false
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) handleHasPermission(msg *nats.Msg) {
	s.respond(msg, protocol.BoolResponse{OK: s.ctrl.HasPermission()})
}

func (s *Service) handleInitialize(msg *nats.Msg) {
	var req protocol.InitializeRequest
	if err := decode(msg.Data, &req); err != nil {
		s.respond(msg, protocol.BoolResponse{Error: err.Error()})
		return
	}
	ok := s.ctrl.Initialize(s.ctx, recognition.InitializeOptions{
		ModelPath:    req.ModelPath,
		LibraryPath:  req.VoskLibraryPath,
		Locale:       req.ModelLocale,
		DisplayName:  req.ModelDisplayName,
		DebugLogging: req.DebugLogging,
	})
	s.respond(msg, protocol.BoolResponse{OK: ok})
}

func (s *Service) handleListen(msg *nats.Msg) {
	var req protocol.ListenRequest
	if err := decode(msg.Data, &req); err != nil {
		s.respond(msg, protocol.BoolResponse{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.BoolResponse{OK: s.ctrl.Listen(s.ctx, ListenOptions(req, s.defaults))})
}

func (s *Service) handleStop(msg *nats.Msg) {
	s.ctrl.Stop()
	s.respond(msg, protocol.AckResponse{Listening: s.ctrl.Listening()})
}

func (s *Service) handleCancel(msg *nats.Msg) {
	s.ctrl.Cancel()
	s.respond(msg, protocol.AckResponse{Listening: s.ctrl.Listening()})
}

func (s *Service) handleLocales(msg *nats.Msg) {
	locales := s.ctrl.Locales()
	if locales == nil {
		locales = []string{}
	}
	s.respond(msg, protocol.LocalesResponse{Locales: locales})
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed to marshal response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}

// ListenOptions fills the fields a request omits from the configured defaults.
func ListenOptions(req protocol.ListenRequest, defaults config.ListenConfig) recognition.ListenOptions {
	opts := recognition.ListenOptions{
		PartialResults: defaults.PartialResults,
		ListenFor:      time.Duration(defaults.ListenForMS) * time.Millisecond,
		PauseFor:       time.Duration(defaults.PauseForMS) * time.Millisecond,
	}
	if req.PartialResults != nil {
		opts.PartialResults = *req.PartialResults
	}
	if req.SampleRate != nil {
		opts.SampleRate = *req.SampleRate
		if opts.SampleRate <= 0 {
			opts.SampleRate = recognition.DefaultSampleRate
		}
	}
	if req.ListenForMillis != nil {
		opts.ListenFor = time.Duration(max(*req.ListenForMillis, 0)) * time.Millisecond
	}
	if req.PauseForMillis != nil {
		opts.PauseFor = time.Duration(max(*req.PauseForMillis, 0)) * time.Millisecond
	}
	return opts
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}
