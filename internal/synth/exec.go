package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecSynth runs an engine worker command once per operation. The command
// reads one JSON request on stdin and answers with JSON lines on stdout.
// Applied weights are remembered here and sent with every synthesis.
type ExecSynth struct {
	cmd []string
	mu  sync.Mutex

	weights Weights
}

func NewExecSynth(command string) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &ExecSynth{cmd: args}, nil
}

func (e *ExecSynth) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	e.mu.Lock()
	chunks := make(chan Segment)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		defer e.mu.Unlock()

		weights := e.weights
		payload, err := json.Marshal(workerRequest{Op: opSynthesize, Weights: &weights, Request: &req})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(payload)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start engine command: %w", err)
			return
		}

		readErr := readSegments(ctx, stdout, chunks)
		if readErr != nil {
			_ = cmd.Process.Kill()
		}
		// output after the final line is ignored but must not block the worker
		_, _ = io.Copy(io.Discard, stdout)
		waitErr := cmd.Wait()
		switch {
		case readErr != nil:
			errs <- readErr
		case waitErr != nil:
			errs <- commandError(waitErr, stderr.String())
		}
	}()
	return chunks, errs
}

func (e *ExecSynth) LoadTextModel(ctx context.Context, path string) error {
	return e.load(ctx, KindText, path)
}

func (e *ExecSynth) LoadVocoder(ctx context.Context, path string) error {
	return e.load(ctx, KindVocoder, path)
}

func (e *ExecSynth) load(ctx context.Context, kind Kind, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(workerRequest{Op: opForKind(kind), WeightsPath: path})
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ackErr := readAck(&stdout); ackErr != nil {
			return ackErr
		}
		return commandError(err, stderr.String())
	}
	if err := readAck(&stdout); err != nil {
		return err
	}

	if kind == KindText {
		e.weights.Text = path
	} else {
		e.weights.Vocoder = path
	}
	return nil
}

func commandError(err error, stderr string) error {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("engine command failed: %w: %s", err, msg)
	}
	return fmt.Errorf("engine command failed: %w", err)
}
