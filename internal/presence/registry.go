// Package presence announces this listener on the bus and tracks its peers.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/recognition"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Source reports the state advertised in each presence message.
type Source interface {
	Locales() []string
	Listening() bool
}

// Peer is the last known state of a listener node.
type Peer struct {
	NodeID     string    `json:"node_id"`
	InstanceID string    `json:"instance_id"`
	Locales    []string  `json:"locales"`
	Listening  bool      `json:"listening"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

type Registry struct {
	cfg        config.NodeConfig
	log        *slog.Logger
	bus        *bus.Client
	source     Source
	instanceID string
	mu         sync.RWMutex
	peers      map[string]*Peer
	heartbeat  *time.Ticker
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	meter      metric.Meter
	clock      func() time.Time

	// locales is the source's last answer, refreshed on Announce and on
	// heartbeats so Deliver never calls into the source.
	localesMu sync.Mutex
	locales   []string
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, source Source, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:        cfg,
		log:        log.With(slog.String("component", "presence")),
		bus:        busClient,
		source:     source,
		instanceID: uuid.NewString(),
		peers:      make(map[string]*Peer),
		meter:      otel.Meter("github.com/loqalabs/loqa-listen/presence"),
		cancel:     cancel,
		clock:      time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.Announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) announceSubject() string {
	return r.bus.Subject(protocol.TokenPresence, "announce")
}

func (r *Registry) heartbeatSubject(nodeID string) string {
	return r.bus.Subject(protocol.TokenPresence, "heartbeat", nodeID)
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(r.announceSubject(), r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(r.heartbeatSubject("*"), r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publish(r.heartbeatSubject(r.cfg.ID), r.current()); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

// Announce publishes the current state immediately. Call it after the
// locale or listening state changes so peers need not wait for a heartbeat.
func (r *Registry) Announce() error {
	return r.publish(r.announceSubject(), r.current())
}

// Deliver re-announces on listening transitions. It runs on the event
// delivery path, so the listening flag comes from the event and the locales
// from the last Announce or heartbeat.
func (r *Registry) Deliver(ev recognition.Event) {
	if ev.Kind != recognition.KindStatus {
		return
	}
	var listening bool
	switch ev.Status {
	case recognition.StatusListening:
		listening = true
	case recognition.StatusNotListening:
		listening = false
	default:
		return
	}
	if err := r.publish(r.announceSubject(), r.message(listening)); err != nil {
		r.log.Warn("failed to announce state change", slog.String("error", err.Error()))
	}
}

// current asks the source for its state and refreshes the cached locales.
func (r *Registry) current() protocol.Presence {
	var listening bool
	if r.source != nil {
		locales := r.source.Locales()
		listening = r.source.Listening()
		r.localesMu.Lock()
		r.locales = append([]string(nil), locales...)
		r.localesMu.Unlock()
	}
	return r.message(listening)
}

func (r *Registry) message(listening bool) protocol.Presence {
	r.localesMu.Lock()
	locales := append([]string{}, r.locales...)
	r.localesMu.Unlock()
	return protocol.Presence{
		NodeID:     r.cfg.ID,
		InstanceID: r.instanceID,
		Locales:    locales,
		Listening:  listening,
		Timestamp:  r.clock().UTC(),
	}
}

func (r *Registry) publish(subject string, msg protocol.Presence) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subject, payload); err != nil {
		return err
	}
	r.update(msg)
	return nil
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p protocol.Presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = r.clock().UTC()
	}
	r.update(p)
}

func (r *Registry) update(p protocol.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[p.NodeID]
	if !ok {
		peer = &Peer{NodeID: p.NodeID}
		r.peers[p.NodeID] = peer
	}
	if peer.InstanceID != "" && peer.InstanceID != p.InstanceID {
		r.log.Info("peer restarted", slog.String("node_id", p.NodeID), slog.String("instance_id", p.InstanceID))
	}
	peer.InstanceID = p.InstanceID
	peer.Locales = append([]string(nil), p.Locales...)
	peer.Listening = p.Listening
	if p.Timestamp.After(peer.LastSeen) {
		peer.LastSeen = p.Timestamp
	}
	peer.Healthy = r.clock().Sub(peer.LastSeen) <= time.Duration(r.cfg.HeartbeatTimeout)*time.Millisecond
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, peer := range r.peers {
		if now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
		}
	}
}

// Healthy reports whether this node's own presence is still fresh.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[r.cfg.ID]
	if !ok {
		return false
	}
	return peer.Healthy
}

func (r *Registry) Query(filter func(Peer) bool) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Peer
	for _, peer := range r.peers {
		p := *peer
		p.Locales = append([]string(nil), peer.Locales...)
		if filter == nil || filter(p) {
			results = append(results, p)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	peers, err := r.meter.Int64ObservableGauge("loqa.listen.peers", metric.WithDescription("Number of known listener nodes"))
	if err != nil {
		return err
	}
	listening, err := r.meter.Int64ObservableGauge("loqa.listen.peers.listening", metric.WithDescription("Listener nodes currently capturing audio"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, active := r.snapshotCounts()
		obs.ObserveInt64(peers, total)
		obs.ObserveInt64(listening, active)
		return nil
	}, peers, listening)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, active int64
	for _, peer := range r.peers {
		total++
		if peer.Healthy && peer.Listening {
			active++
		}
	}
	return total, active
}

// WithLocaleFilter matches peers advertising the given locale tag.
func WithLocaleFilter(tag string) func(Peer) bool {
	return func(p Peer) bool {
		for _, label := range p.Locales {
			if strings.EqualFold(label, tag) || strings.HasPrefix(strings.ToLower(label), strings.ToLower(tag)+":") {
				return true
			}
		}
		return false
	}
}

// WithHealthyFilter matches peers whose presence has not expired.
func WithHealthyFilter() func(Peer) bool {
	return func(p Peer) bool { return p.Healthy }
}
