package gateway

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/audio"
	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/loqalabs/sovits-gateway/internal/journal"
	"github.com/loqalabs/sovits-gateway/internal/logging"
	"github.com/loqalabs/sovits-gateway/internal/protocol"
	"github.com/loqalabs/sovits-gateway/internal/synth"
	"github.com/loqalabs/sovits-gateway/internal/synth/synthtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (m *memJournal) Append(_ context.Context, evt journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memJournal) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) WeightsChanged(_ context.Context, _ string, kind synth.Kind, path string) {
	r.calls = append(r.calls, string(kind)+"="+path)
}

type env struct {
	svc     *Service
	journal *memJournal
	fx      synthtest.Fixture
}

func newEnv(t *testing.T) env {
	t.Helper()
	fx := synthtest.New(t)
	j := &memJournal{}
	log := logging.Discard()
	return env{
		svc:     New(fx.Engine(t), config.Default().Defaults, 5*time.Second, j, log),
		journal: j,
		fx:      fx,
	}
}

func (e env) request() protocol.SynthesisRequest {
	return protocol.SynthesisRequest{
		Text:         "Hello there. How are you?",
		TextLang:     "en",
		RefAudioPath: e.fx.RefAudio,
		PromptLang:   "en",
	}
}

func ptr[T any](v T) *T { return &v }

func TestResolveAppliesDefaults(t *testing.T) {
	e := newEnv(t)
	req := e.request()
	req.Text = "Cafe\u0301"
	req.TextLang = " EN "

	out, media, err := e.svc.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, audio.WAV, media)
	assert.Equal(t, "Caf\u00e9", out.Text)
	assert.Equal(t, "en", out.TextLang)
	assert.Equal(t, 5, out.TopK)
	assert.Equal(t, "cut0", out.TextSplitMethod)
	assert.Equal(t, 0.75, out.BatchThreshold)
	assert.Equal(t, 1.0, out.SpeedFactor)
	assert.False(t, out.Streaming)

	req.TopK = ptr(20)
	req.MediaType = ptr("raw")
	out, media, err = e.svc.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, 20, out.TopK)
	assert.Equal(t, audio.Raw, media)
}

func TestSynthesizeEncodesFirstSegment(t *testing.T) {
	e := newEnv(t)
	req := e.request()
	req.TextSplitMethod = ptr("cut5")

	res, err := e.svc.Synthesize(context.Background(), "req-1", req)
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", res.ContentType())
	assert.Equal(t, 32000, res.SampleRate)
	assert.Equal(t, "RIFF", string(res.Body[:4]))

	whole := e.request()
	full, err := e.svc.Synthesize(context.Background(), "req-2", whole)
	require.NoError(t, err)
	assert.Less(t, res.Duration, full.Duration)

	assert.Equal(t, []string{journal.TypeSynthesisCompleted, journal.TypeSynthesisCompleted}, e.journal.types())
}

func TestSynthesizeFailures(t *testing.T) {
	e := newEnv(t)

	req := e.request()
	req.MediaType = ptr("ogg")
	_, err := e.svc.Synthesize(context.Background(), "bad-media", req)
	require.ErrorIs(t, err, audio.ErrUnsupportedMediaType)

	req = e.request()
	req.RefAudioPath = filepath.Join(t.TempDir(), "missing.wav")
	_, err = e.svc.Synthesize(context.Background(), "bad-ref", req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.wav")

	assert.Equal(t, []string{journal.TypeSynthesisFailed, journal.TypeSynthesisFailed}, e.journal.types())
}

func TestStreamChunksFirstSegment(t *testing.T) {
	e := newEnv(t)
	req := e.request()
	req.TextSplitMethod = ptr("cut5")

	single, err := e.svc.Synthesize(context.Background(), "single", req)
	require.NoError(t, err)

	req.StreamingMode = ptr(true)
	require.True(t, e.svc.Streaming(req))

	var (
		chunks []Chunk
		body   []byte
	)
	err = e.svc.Stream(context.Background(), "stream-1", req, func(c Chunk) error {
		chunks = append(chunks, c)
		body = append(body, c.Data...)
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Sequence)
		assert.LessOrEqual(t, len(c.Data), StreamChunkSize)
		assert.Equal(t, audio.WAV, c.MediaType)
	}
	assert.Equal(t, single.Body, body)

	req.RefAudioPath = "/nope.wav"
	called := false
	err = e.svc.Stream(context.Background(), "stream-2", req, func(Chunk) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestSetWeights(t *testing.T) {
	e := newEnv(t)
	n := &recordingNotifier{}
	e.svc.AddNotifier(n)

	next := e.fx.AltGPT
	require.NoError(t, e.svc.SetWeights(context.Background(), "swap-1", synth.KindText, next))
	assert.Equal(t, next, e.svc.Weights().Text)
	assert.Equal(t, []string{"gpt=" + next}, n.calls)

	err := e.svc.SetWeights(context.Background(), "swap-2", synth.KindVocoder, "/does/not/exist.pth")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, e.fx.VITSPath, e.svc.Weights().Vocoder)
	assert.Len(t, n.calls, 1)

	assert.Equal(t, []string{journal.TypeWeightsApplied, journal.TypeWeightsFailed}, e.journal.types())
}
