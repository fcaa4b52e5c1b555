// Package synth is the boundary to the speech synthesis engine. Backends
// implement Synthesizer; Guard serializes weight swaps against synthesis.
package synth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoAudio is returned when the engine finishes without a segment.
	ErrNoAudio = errors.New("engine produced no audio")
	// ErrWeightsNotLoaded is returned when synthesis runs before both models are applied.
	ErrWeightsNotLoaded = errors.New("model weights not loaded")
)

// Request carries everything the engine needs for one synthesis call.
type Request struct {
	Text            string  `json:"text"`
	TextLang        string  `json:"text_lang"`
	RefAudioPath    string  `json:"ref_audio_path"`
	PromptText      string  `json:"prompt_text"`
	PromptLang      string  `json:"prompt_lang"`
	TopK            int     `json:"top_k"`
	TopP            float64 `json:"top_p"`
	Temperature     float64 `json:"temperature"`
	TextSplitMethod string  `json:"text_split_method"`
	BatchSize       int     `json:"batch_size"`
	BatchThreshold  float64 `json:"batch_threshold"`
	SpeedFactor     float64 `json:"speed_factor"`
	Streaming       bool    `json:"streaming_mode"`
}

// Segment is one block of mono samples in [-1, 1].
type Segment struct {
	SampleRate int
	Samples    []float32
}

func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// Weights names the checkpoints currently applied to the engine.
type Weights struct {
	Text    string `json:"gpt_weights_path"`
	Vocoder string `json:"sovits_weights_path"`
}

// Kind selects which model a weights path applies to.
type Kind string

const (
	KindText    Kind = "gpt"
	KindVocoder Kind = "sovits"
)

func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case KindText, KindVocoder:
		return Kind(name), nil
	}
	return "", errors.New("weights kind must be gpt or sovits")
}

// Synthesizer is the contract every engine backend fulfils.
//
// Synthesize produces segments lazily. Both channels are closed when the
// producer finishes; producers stop early when ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error)
	LoadTextModel(ctx context.Context, path string) error
	LoadVocoder(ctx context.Context, path string) error
}

// Load dispatches to the loader for kind.
func Load(ctx context.Context, s Synthesizer, kind Kind, path string) error {
	switch kind {
	case KindText:
		return s.LoadTextModel(ctx, path)
	case KindVocoder:
		return s.LoadVocoder(ctx, path)
	}
	return errors.New("weights kind must be gpt or sovits")
}

// First returns the first segment and abandons the rest of the stream.
func First(ctx context.Context, s Synthesizer, req Request) (Segment, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var first *Segment
	err := Each(ctx, s, req, func(seg Segment) error {
		first = &seg
		return errStop
	})
	if first != nil {
		return *first, nil
	}
	if err != nil {
		return Segment{}, err
	}
	return Segment{}, ErrNoAudio
}

var errStop = errors.New("stop")

// Each calls fn for every segment in order. A non-nil error from fn stops the
// stream; it is returned unless it is the internal stop marker.
func Each(ctx context.Context, s Synthesizer, req Request, fn func(Segment) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := s.Synthesize(ctx, req)
	for chunks != nil || errs != nil {
		select {
		case seg, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := fn(seg); err != nil {
				if errors.Is(err, errStop) {
					return nil
				}
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
