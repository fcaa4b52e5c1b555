package synth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/sovits-gateway/internal/audio"
)

const (
	minReferenceDuration = 3 * time.Second
	maxReferenceDuration = 10 * time.Second
	perRuneDuration      = 120 * time.Millisecond
	minSegmentDuration   = 200 * time.Millisecond
)

// Languages lists the language tags the engine understands.
var Languages = []string{"auto", "auto_yue", "en", "zh", "ja", "yue", "ko", "all_zh", "all_ja", "all_yue", "all_ko"}

var splitMethods = map[string]bool{"cut0": true, "cut1": true, "cut2": true, "cut3": true, "cut4": true, "cut5": true}

// Mock is a deterministic in-process engine. It performs the same input
// checks a real engine does and renders tones instead of speech, so identical
// requests against identical weights always produce identical samples.
type Mock struct {
	sampleRate int

	mu      sync.RWMutex
	weights Weights
}

func NewMock(sampleRate int) *Mock {
	return &Mock{sampleRate: sampleRate}
}

func (m *Mock) LoadTextModel(_ context.Context, path string) error {
	if err := checkWeightsFile(path, ".ckpt"); err != nil {
		return err
	}
	m.mu.Lock()
	m.weights.Text = path
	m.mu.Unlock()
	return nil
}

func (m *Mock) LoadVocoder(_ context.Context, path string) error {
	if err := checkWeightsFile(path, ".pth"); err != nil {
		return err
	}
	m.mu.Lock()
	m.weights.Vocoder = path
	m.mu.Unlock()
	return nil
}

func checkWeightsFile(path, ext string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("weights path is empty")
	}
	if !strings.EqualFold(filepath.Ext(path), ext) {
		return fmt.Errorf("%s: expected a %s checkpoint", path, ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", path)
	}
	return nil
}

func (m *Mock) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	chunks := make(chan Segment)
	errs := make(chan error, 1)

	m.mu.RLock()
	weights := m.weights
	m.mu.RUnlock()

	go func() {
		defer close(chunks)
		defer close(errs)

		pieces, err := m.prepare(req, weights)
		if err != nil {
			errs <- err
			return
		}
		for i, piece := range pieces {
			seg := Segment{SampleRate: m.sampleRate, Samples: m.render(req, weights, piece, i)}
			select {
			case chunks <- seg:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (m *Mock) prepare(req Request, weights Weights) ([]string, error) {
	if weights.Text == "" || weights.Vocoder == "" {
		return nil, ErrWeightsNotLoaded
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("text is empty")
	}
	if !supportedLanguage(req.TextLang) {
		return nil, fmt.Errorf("%s is not a supported language", req.TextLang)
	}
	if !supportedLanguage(req.PromptLang) {
		return nil, fmt.Errorf("%s is not a supported language", req.PromptLang)
	}
	if !splitMethods[req.TextSplitMethod] {
		return nil, fmt.Errorf("unknown text split method %q", req.TextSplitMethod)
	}
	if req.SpeedFactor <= 0 {
		return nil, fmt.Errorf("speed factor must be positive, got %v", req.SpeedFactor)
	}

	info, err := audio.Probe(req.RefAudioPath)
	if err != nil {
		return nil, fmt.Errorf("reference audio: %w", err)
	}
	if info.Duration < minReferenceDuration || info.Duration > maxReferenceDuration {
		return nil, fmt.Errorf("reference audio is %.1fs long, outside the 3-10 second range", info.Duration.Seconds())
	}

	return splitText(req.Text, req.TextSplitMethod), nil
}

func supportedLanguage(tag string) bool {
	for _, l := range Languages {
		if strings.EqualFold(l, tag) {
			return true
		}
	}
	return false
}

// splitText keeps cut0 input whole and otherwise breaks after sentence punctuation.
func splitText(text, method string) []string {
	text = strings.TrimSpace(text)
	if method == "cut0" {
		return []string{text}
	}
	var (
		pieces  []string
		current strings.Builder
	)
	for _, r := range text {
		current.WriteRune(r)
		if strings.ContainsRune("。！？.!?；;\n", r) {
			if s := strings.TrimSpace(current.String()); s != "" {
				pieces = append(pieces, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		pieces = append(pieces, s)
	}
	return pieces
}

func (m *Mock) render(req Request, weights Weights, piece string, index int) []float32 {
	h := fnv.New64a()
	for _, part := range []string{piece, req.TextLang, req.RefAudioPath, req.PromptText, req.PromptLang, weights.Text, weights.Vocoder} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	var knobs [8]byte
	binary.LittleEndian.PutUint64(knobs[:], math.Float64bits(req.Temperature+req.TopP+float64(req.TopK)))
	h.Write(knobs[:])
	binary.LittleEndian.PutUint64(knobs[:], uint64(index))
	h.Write(knobs[:])
	sum := h.Sum64()

	freq := 110 + float64(sum%440)
	length := time.Duration(float64(utf8.RuneCountInString(piece)) * float64(perRuneDuration) / req.SpeedFactor)
	if length < minSegmentDuration {
		length = minSegmentDuration
	}
	n := int(length.Seconds() * float64(m.sampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
	}
	return samples
}
