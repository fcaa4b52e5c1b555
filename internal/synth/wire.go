package synth

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/sovits-gateway/internal/audio"
)

// Worker operations understood by out-of-process engines.
const (
	opSynthesize       = "synthesize"
	opSetGPTWeights    = "set_gpt_weights"
	opSetSoVITSWeights = "set_sovits_weights"
)

const maxWorkerLine = 64 << 20

type workerRequest struct {
	Op          string   `json:"op"`
	WeightsPath string   `json:"weights_path,omitempty"`
	Weights     *Weights `json:"weights,omitempty"`
	Request     *Request `json:"request,omitempty"`
}

// workerLine is one JSON line written by a worker. Segment lines carry
// base64 s16le PCM; a line with Error set aborts the operation.
type workerLine struct {
	SampleRate int    `json:"sample_rate"`
	PCMBase64  string `json:"pcm_base64"`
	Final      bool   `json:"final"`
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
}

func opForKind(kind Kind) string {
	if kind == KindText {
		return opSetGPTWeights
	}
	return opSetSoVITSWeights
}

// readSegments decodes worker lines from r and forwards segments until the
// stream ends, a final line arrives, or ctx is cancelled.
func readSegments(ctx context.Context, r io.Reader, chunks chan<- Segment) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWorkerLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp workerLine
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode worker line: %w", err)
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if resp.PCMBase64 != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				return fmt.Errorf("decode worker pcm: %w", err)
			}
			if resp.SampleRate <= 0 {
				return fmt.Errorf("worker segment has invalid sample rate %d", resp.SampleRate)
			}
			select {
			case chunks <- Segment{SampleRate: resp.SampleRate, Samples: audio.BytesToFloat32(pcm)}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if resp.Final {
			return nil
		}
	}
	return scanner.Err()
}

// readAck consumes a weights response and returns the worker's error, if any.
func readAck(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxWorkerLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp workerLine
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode worker line: %w", err)
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
	}
	return scanner.Err()
}
