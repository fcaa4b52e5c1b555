package synth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSynthStreamsSegments(t *testing.T) {
	var got workerRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"sample_rate":24000,"pcm_base64":"AAAAQA=="}` + "\n"))
		_, _ = w.Write([]byte(`{"sample_rate":24000,"pcm_base64":"AEA=","final":true}` + "\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := NewHTTPSynth(srv.URL+"/", srv.Client())
	var segs []Segment
	err := Each(context.Background(), backend, Request{Text: "hi", TextLang: "en"}, func(s Segment) error {
		segs = append(segs, s)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, 24000, segs[0].SampleRate)
	require.Len(t, segs[0].Samples, 2)
	assert.InDelta(t, 0.5, segs[0].Samples[1], 0.001)
	assert.Equal(t, opSynthesize, got.Op)
	assert.Equal(t, "hi", got.Request.Text)
}

func TestHTTPSynthReportsEngineErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"ref_audio_path not found"}` + "\n"))
	})
	mux.HandleFunc("/weights/gpt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a.ckpt", body["weights_path"])
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/weights/sovits", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad checkpoint"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := NewHTTPSynth(srv.URL, srv.Client())
	_, err := First(context.Background(), backend, Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ref_audio_path not found")

	require.NoError(t, backend.LoadTextModel(context.Background(), "a.ckpt"))
	err = backend.LoadVocoder(context.Background(), "b.pth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad checkpoint")
}

const workerScript = `#!/bin/sh
input=$(cat)
case "$input" in
  *set_gpt_weights*) echo '{"ok":true}' ;;
  *set_sovits_weights*) echo '{"error":"vocoder rejected"}'; exit 1 ;;
  *voice-e15.ckpt*) echo '{"sample_rate":16000,"pcm_base64":"AAAAQA==","final":true}' ;;
  *) echo '{"error":"weights not applied"}'; exit 1 ;;
esac
`

func TestExecSynthRemembersWeights(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte(workerScript), 0o755))

	backend, err := NewExecSynth(sh + " " + script)
	require.NoError(t, err)

	_, err = First(context.Background(), backend, Request{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights not applied")

	require.NoError(t, backend.LoadTextModel(context.Background(), "voice-e15.ckpt"))
	seg, err := First(context.Background(), backend, Request{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 16000, seg.SampleRate)
	assert.Len(t, seg.Samples, 2)

	err = backend.LoadVocoder(context.Background(), "voice.pth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vocoder rejected")
}

const chattyWorkerScript = `#!/bin/sh
cat >/dev/null
echo '{"sample_rate":16000,"pcm_base64":"AAAAQA==","final":true}'
i=0
while [ $i -lt 4000 ]; do
  echo "worker shutting down, flushing caches and releasing device memory"
  i=$((i+1))
done
`

func TestExecSynthIgnoresOutputAfterFinal(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte(chattyWorkerScript), 0o755))

	backend, err := NewExecSynth(sh + " " + script)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var segments int
	err = Each(ctx, backend, Request{Text: "hi"}, func(seg Segment) error {
		segments++
		assert.Len(t, seg.Samples, 2)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, ctx.Err())
	assert.Equal(t, 1, segments)
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecSynth("   ")
	require.Error(t, err)
}
