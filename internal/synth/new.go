package synth

import (
	"fmt"

	"github.com/loqalabs/sovits-gateway/internal/config"
)

// New builds the backend selected by cfg.Mode.
func New(cfg config.EngineConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(cfg.SampleRate), nil
	case "exec":
		return NewExecSynth(cfg.Command)
	case "http":
		return NewHTTPSynth(cfg.Endpoint, nil), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
