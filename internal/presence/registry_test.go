package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/loqalabs/sovits-gateway/internal/logging"
	"github.com/loqalabs/sovits-gateway/internal/synth"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticWeights struct {
	mu sync.Mutex
	w  synth.Weights
}

func (s *staticWeights) Weights() synth.Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w
}

func (s *staticWeights) set(w synth.Weights) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	conn, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestRegistryTracksPeers(t *testing.T) {
	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	log := logging.Discard()
	cfg := config.NodeConfig{HeartbeatInterval: 50, HeartbeatTimeout: 500}

	cfgA := cfg
	cfgA.ID = "node-a"
	weightsA := &staticWeights{w: synth.Weights{Text: "a.ckpt", Vocoder: "a.pth"}}
	regA, err := NewRegistry(context.Background(), cfgA, "mock", weightsA, connect(t, server.ClientURL()), log)
	require.NoError(t, err)
	t.Cleanup(regA.Close)

	cfgB := cfg
	cfgB.ID = "node-b"
	weightsB := &staticWeights{w: synth.Weights{Text: "b.ckpt", Vocoder: "b.pth"}}
	regB, err := NewRegistry(context.Background(), cfgB, "http", weightsB, connect(t, server.ClientURL()), log)
	require.NoError(t, err)
	t.Cleanup(regB.Close)

	require.Eventually(t, func() bool {
		return len(regA.Query(nil)) == 2
	}, 3*time.Second, 20*time.Millisecond)

	nodes := regA.Query(nil)
	assert.Equal(t, "node-a", nodes[0].ID)
	assert.Equal(t, "node-b", nodes[1].ID)
	assert.Equal(t, "b.ckpt", nodes[1].Weights.Text)
	assert.True(t, regA.Healthy())

	weightsB.set(synth.Weights{Text: "c.ckpt", Vocoder: "b.pth"})
	regB.WeightsChanged(context.Background(), "req", synth.KindText, "c.ckpt")
	require.Eventually(t, func() bool {
		matches := regA.Query(ServingWeights("c.ckpt"))
		return len(matches) == 1 && matches[0].ID == "node-b"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	r := &Registry{
		cfg:   config.NodeConfig{ID: "self", HeartbeatTimeout: 1000},
		nodes: make(map[string]*NodeInfo),
		clock: time.Now,
	}
	now := time.Now()
	r.updateNode("self", "mock", nil, now)
	r.updateNode("peer", "mock", nil, now.Add(-5*time.Second))

	r.evaluateHealth()

	known, healthy := r.snapshotCounts()
	assert.EqualValues(t, 2, known)
	assert.EqualValues(t, 1, healthy)
	assert.True(t, r.Healthy())
}
