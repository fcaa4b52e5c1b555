// Package presence announces this gateway node on the bus and tracks peers.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/loqalabs/sovits-gateway/internal/protocol"
	"github.com/loqalabs/sovits-gateway/internal/synth"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type NodeInfo struct {
	ID         string        `json:"id"`
	EngineMode string        `json:"engine_mode,omitempty"`
	Weights    synth.Weights `json:"weights"`
	LastSeen   time.Time     `json:"last_seen"`
	Healthy    bool          `json:"healthy"`
}

type announceMessage struct {
	NodeID     string        `json:"node_id"`
	EngineMode string        `json:"engine_mode"`
	Weights    synth.Weights `json:"weights"`
	Timestamp  time.Time     `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string        `json:"node_id"`
	Weights   synth.Weights `json:"weights"`
	Timestamp time.Time     `json:"timestamp"`
}

// WeightsSource reports the weights this node currently serves.
type WeightsSource interface {
	Weights() synth.Weights
}

type Registry struct {
	cfg        config.NodeConfig
	engineMode string
	source     WeightsSource
	log        *slog.Logger
	conn       *nats.Conn

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	clock  func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, engineMode string, source WeightsSource, conn *nats.Conn, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:        cfg,
		engineMode: engineMode,
		source:     source,
		log:        log.With(slog.String("component", "presence")),
		conn:       conn,
		nodes:      make(map[string]*NodeInfo),
		cancel:     cancel,
		clock:      time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(protocol.HeartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
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

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:     r.cfg.ID,
		EngineMode: r.engineMode,
		Weights:    r.source.Weights(),
		Timestamp:  r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.EngineMode, &msg.Weights, msg.Timestamp)
	return r.conn.Publish(protocol.SubjectNodeAnnounce, payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Weights: r.source.Weights(), Timestamp: r.clock().UTC()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(protocol.HeartbeatSubject(r.cfg.ID), payload)
}

// WeightsChanged re-announces the node so peers learn the new weights
// without waiting for the next heartbeat.
func (r *Registry) WeightsChanged(_ context.Context, _ string, _ synth.Kind, _ string) {
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce weights change", slog.String("error", err.Error()))
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.Any("error", err))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	r.updateNode(a.NodeID, a.EngineMode, &a.Weights, a.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.Any("error", err))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, "", &hb.Weights, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, engineMode string, weights *synth.Weights, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if engineMode != "" {
		node.EngineMode = engineMode
	}
	if weights != nil && (weights.Text != "" || weights.Vocoder != "") {
		node.Weights = *weights
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node has seen itself on the bus recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// ServingWeights matches nodes whose text model is path.
func ServingWeights(path string) func(NodeInfo) bool {
	return func(n NodeInfo) bool { return n.Weights.Text == path }
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/sovits-gateway/presence")
	total, err := meter.Int64ObservableGauge("sovits.nodes.known", metric.WithDescription("Number of known gateway nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("sovits.nodes.healthy", metric.WithDescription("Number of healthy gateway nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		known, ok := r.snapshotCounts()
		obs.ObserveInt64(total, known)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, total, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, healthy int64
	for _, node := range r.nodes {
		known++
		if node.Healthy {
			healthy++
		}
	}
	return known, healthy
}
