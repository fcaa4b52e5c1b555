// Package synthtest provides on-disk fixtures and a loaded mock engine for
// tests that exercise the layers above synth.
package synthtest

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/audio"
	"github.com/loqalabs/sovits-gateway/internal/synth"
)

const SampleRate = 32000

type Fixture struct {
	Dir      string
	RefAudio string
	GPTPath  string
	VITSPath string
	AltGPT   string
	AltVITS  string
	ShortRef string
}

// New writes a 4 second reference clip, a 1 second clip and two checkpoint
// pairs into a temporary directory.
func New(t testing.TB) Fixture {
	t.Helper()
	dir := t.TempDir()
	f := Fixture{
		Dir:      dir,
		RefAudio: filepath.Join(dir, "ref.wav"),
		ShortRef: filepath.Join(dir, "short.wav"),
		GPTPath:  filepath.Join(dir, "voice-e15.ckpt"),
		VITSPath: filepath.Join(dir, "voice_e8_s200.pth"),
		AltGPT:   filepath.Join(dir, "other-e10.ckpt"),
		AltVITS:  filepath.Join(dir, "other_e4_s100.pth"),
	}
	writeClip(t, f.RefAudio, 4*time.Second)
	writeClip(t, f.ShortRef, time.Second)
	for _, p := range []string{f.GPTPath, f.VITSPath, f.AltGPT, f.AltVITS} {
		if err := os.WriteFile(p, []byte(filepath.Base(p)), 0o644); err != nil {
			t.Fatalf("write checkpoint: %v", err)
		}
	}
	return f
}

// Engine returns a guarded mock engine with the default checkpoints applied.
func (f Fixture) Engine(t testing.TB) *synth.Guard {
	t.Helper()
	g := synth.NewGuard(synth.NewMock(SampleRate))
	if err := g.LoadTextModel(context.Background(), f.GPTPath); err != nil {
		t.Fatalf("load gpt weights: %v", err)
	}
	if err := g.LoadVocoder(context.Background(), f.VITSPath); err != nil {
		t.Fatalf("load sovits weights: %v", err)
	}
	return g
}

func writeClip(t testing.TB, path string, d time.Duration) {
	t.Helper()
	const rate = 16000
	samples := make([]float32, int(d.Seconds()*rate))
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	data, err := audio.Encode(audio.WAV, rate, samples)
	if err != nil {
		t.Fatalf("encode clip: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
}
