package synth

import (
	"context"
	"sync"
)

// Guard wraps a Synthesizer so that weight swaps never overlap synthesis.
// A synthesis holds the read lock until its stream has been fully drained by
// the backend; a swap takes the write lock.
type Guard struct {
	inner Synthesizer

	mu sync.RWMutex

	stateMu sync.RWMutex
	weights Weights
}

func NewGuard(inner Synthesizer) *Guard {
	return &Guard{inner: inner}
}

func (g *Guard) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	g.mu.RLock()
	inChunks, inErrs := g.inner.Synthesize(ctx, req)

	chunks := make(chan Segment)
	errs := make(chan error, 1)
	go func() {
		defer g.mu.RUnlock()
		defer close(chunks)
		defer close(errs)

		forwarding := true
		for inChunks != nil || inErrs != nil {
			select {
			case seg, ok := <-inChunks:
				if !ok {
					inChunks = nil
					continue
				}
				if !forwarding {
					continue
				}
				select {
				case chunks <- seg:
				case <-ctx.Done():
					// keep draining so the backend can finish before the lock is released
					forwarding = false
				}
			case err, ok := <-inErrs:
				if !ok {
					inErrs = nil
					continue
				}
				if err != nil && forwarding {
					select {
					case errs <- err:
					default:
					}
				}
			}
		}
	}()
	return chunks, errs
}

func (g *Guard) LoadTextModel(ctx context.Context, path string) error {
	return g.swap(ctx, KindText, path)
}

func (g *Guard) LoadVocoder(ctx context.Context, path string) error {
	return g.swap(ctx, KindVocoder, path)
}

func (g *Guard) swap(ctx context.Context, kind Kind, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := Load(ctx, g.inner, kind, path); err != nil {
		return err
	}

	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if kind == KindText {
		g.weights.Text = path
	} else {
		g.weights.Vocoder = path
	}
	return nil
}

// Current returns the weights applied through this guard.
func (g *Guard) Current() Weights {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.weights
}
