package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPSynth drives a remote inference worker.
//
//	POST /synthesize      workerRequest body, NDJSON workerLine stream
//	POST /weights/gpt     {"weights_path": ...}
//	POST /weights/sovits  {"weights_path": ...}
type HTTPSynth struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSynth(endpoint string, client *http.Client) *HTTPSynth {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSynth{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (h *HTTPSynth) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	chunks := make(chan Segment)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := h.post(ctx, "/synthesize", workerRequest{Op: opSynthesize, Request: &req})
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			errs <- responseError(resp)
			return
		}
		if err := readSegments(ctx, resp.Body, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (h *HTTPSynth) LoadTextModel(ctx context.Context, path string) error {
	return h.load(ctx, "/weights/gpt", path)
}

func (h *HTTPSynth) LoadVocoder(ctx context.Context, path string) error {
	return h.load(ctx, "/weights/sovits", path)
}

func (h *HTTPSynth) load(ctx context.Context, route, path string) error {
	resp, err := h.post(ctx, route, map[string]string{"weights_path": path})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	return readAck(resp.Body)
}

func (h *HTTPSynth) post(ctx context.Context, route string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+route, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine request %s: %w", route, err)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var line workerLine
	if err := json.Unmarshal(data, &line); err == nil && line.Error != "" {
		return fmt.Errorf("engine returned status %s: %s", resp.Status, line.Error)
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return fmt.Errorf("engine returned status %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("engine returned status %s", resp.Status)
}
