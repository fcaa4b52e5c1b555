// Package gateway implements the synthesis and weight-swap operations
// independently of the transport that invokes them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/audio"
	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/loqalabs/sovits-gateway/internal/journal"
	"github.com/loqalabs/sovits-gateway/internal/protocol"
	"github.com/loqalabs/sovits-gateway/internal/synth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
)

const instrumentationName = "github.com/loqalabs/sovits-gateway/gateway"

// Engine is a synthesizer that reports the weights it has applied.
type Engine interface {
	synth.Synthesizer
	Current() synth.Weights
}

// Journal records gateway events.
type Journal interface {
	Append(ctx context.Context, evt journal.Event) error
}

// Notifier is told about every successful weight swap.
type Notifier interface {
	WeightsChanged(ctx context.Context, requestID string, kind synth.Kind, path string)
}

// Result is an encoded synthesis.
type Result struct {
	MediaType  audio.MediaType
	Body       []byte
	SampleRate int
	Duration   time.Duration
}

func (r Result) ContentType() string { return r.MediaType.ContentType() }

// Chunk is one piece of a streamed synthesis.
type Chunk struct {
	Sequence   int
	MediaType  audio.MediaType
	SampleRate int
	Data       []byte
}

type Service struct {
	engine   Engine
	defaults config.SynthesisDefaults
	timeout  time.Duration
	journal  Journal
	log      *slog.Logger
	tracer   trace.Tracer

	mu        sync.RWMutex
	notifiers []Notifier

	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	swaps    metric.Int64Counter
}

// New builds a Service. A nil journal disables event recording.
func New(engine Engine, defaults config.SynthesisDefaults, timeout time.Duration, j Journal, log *slog.Logger) *Service {
	s := &Service{
		engine:   engine,
		defaults: defaults,
		timeout:  timeout,
		journal:  j,
		log:      log.With(slog.String("component", "gateway")),
		tracer:   otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.requests, err = meter.Int64Counter("sovits.tts.requests", metric.WithDescription("Synthesis requests handled")); err != nil {
		return err
	}
	if s.failures, err = meter.Int64Counter("sovits.tts.failures", metric.WithDescription("Synthesis requests that failed")); err != nil {
		return err
	}
	if s.latency, err = meter.Float64Histogram("sovits.tts.duration", metric.WithDescription("Synthesis latency"), metric.WithUnit("s")); err != nil {
		return err
	}
	if s.swaps, err = meter.Int64Counter("sovits.weights.swaps", metric.WithDescription("Weight swap attempts")); err != nil {
		return err
	}
	return nil
}

// AddNotifier registers n for weight swap notifications.
func (s *Service) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// Weights returns the currently applied checkpoints.
func (s *Service) Weights() synth.Weights {
	return s.engine.Current()
}

// Streaming reports whether req asks for a streamed response.
func (s *Service) Streaming(req protocol.SynthesisRequest) bool {
	if req.StreamingMode != nil {
		return *req.StreamingMode
	}
	return s.defaults.StreamingMode
}

// Resolve applies defaults and normalizes req into an engine request.
func (s *Service) Resolve(req protocol.SynthesisRequest) (synth.Request, audio.MediaType, error) {
	d := s.defaults
	out := synth.Request{
		Text:            norm.NFC.String(req.Text),
		TextLang:        strings.ToLower(strings.TrimSpace(req.TextLang)),
		RefAudioPath:    req.RefAudioPath,
		PromptText:      norm.NFC.String(valueOr(req.PromptText, d.PromptText)),
		PromptLang:      strings.ToLower(strings.TrimSpace(req.PromptLang)),
		TopK:            valueOr(req.TopK, d.TopK),
		TopP:            valueOr(req.TopP, d.TopP),
		Temperature:     valueOr(req.Temperature, d.Temperature),
		TextSplitMethod: valueOr(req.TextSplitMethod, d.TextSplitMethod),
		BatchSize:       valueOr(req.BatchSize, d.BatchSize),
		BatchThreshold:  valueOr(req.BatchThreshold, d.BatchThreshold),
		SpeedFactor:     valueOr(req.SpeedFactor, d.SpeedFactor),
		Streaming:       s.Streaming(req),
	}
	media, err := audio.ParseMediaType(valueOr(req.MediaType, d.MediaType))
	if err != nil {
		return out, "", err
	}
	return out, media, nil
}

func valueOr[T any](v *T, fallback T) T {
	if v != nil {
		return *v
	}
	return fallback
}

// Synthesize runs req and encodes the first segment the engine produces.
func (s *Service) Synthesize(ctx context.Context, requestID string, req protocol.SynthesisRequest) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.synthesize", trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()
	start := time.Now()

	engineReq, media, err := s.Resolve(req)
	if err != nil {
		return Result{}, s.finishSynthesis(ctx, span, requestID, media, start, engineReq, 0, err)
	}
	span.SetAttributes(attribute.String("media_type", string(media)))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seg, err := synth.First(ctx, s.engine, engineReq)
	if err != nil {
		return Result{}, s.finishSynthesis(ctx, span, requestID, media, start, engineReq, 0, err)
	}
	body, err := audio.Encode(media, seg.SampleRate, seg.Samples)
	if err != nil {
		return Result{}, s.finishSynthesis(ctx, span, requestID, media, start, engineReq, 0, err)
	}

	res := Result{MediaType: media, Body: body, SampleRate: seg.SampleRate, Duration: seg.Duration()}
	return res, s.finishSynthesis(ctx, span, requestID, media, start, engineReq, res.Duration, nil)
}

// StreamChunkSize bounds the payload of each streamed chunk.
const StreamChunkSize = 16 * 1024

// Stream runs req like Synthesize and hands the encoded clip to emit in
// pieces of at most StreamChunkSize bytes. The concatenated chunks equal the
// body Synthesize returns. emit is not called when synthesis fails.
func (s *Service) Stream(ctx context.Context, requestID string, req protocol.SynthesisRequest, emit func(Chunk) error) error {
	res, err := s.Synthesize(ctx, requestID, req)
	if err != nil {
		return err
	}
	for seq, off := 0, 0; ; seq++ {
		end := min(off+StreamChunkSize, len(res.Body))
		chunk := Chunk{Sequence: seq, MediaType: res.MediaType, SampleRate: res.SampleRate, Data: res.Body[off:end]}
		if err := emit(chunk); err != nil {
			return err
		}
		if off = end; off >= len(res.Body) {
			return nil
		}
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

type synthesisSummary struct {
	Text         string  `json:"text"`
	TextLang     string  `json:"text_lang"`
	RefAudioPath string  `json:"ref_audio_path"`
	PromptLang   string  `json:"prompt_lang"`
	SplitMethod  string  `json:"text_split_method"`
	SpeedFactor  float64 `json:"speed_factor"`
	MediaType    string  `json:"media_type"`
	Streaming    bool    `json:"streaming_mode"`
	AudioSeconds float64 `json:"audio_seconds,omitempty"`
	ElapsedMS    int64   `json:"elapsed_ms"`
	Error        string  `json:"error,omitempty"`
}

const maxSummaryText = 200

func (s *Service) finishSynthesis(ctx context.Context, span trace.Span, requestID string, media audio.MediaType, start time.Time, req synth.Request, produced time.Duration, err error) error {
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("media_type", string(media)), attribute.String("outcome", outcome))
	if s.requests != nil {
		s.requests.Add(ctx, 1, attrs)
		s.latency.Record(ctx, elapsed.Seconds(), attrs)
		if err != nil {
			s.failures.Add(ctx, 1, attrs)
		}
	}

	summary := synthesisSummary{
		Text:         truncate(req.Text, maxSummaryText),
		TextLang:     req.TextLang,
		RefAudioPath: req.RefAudioPath,
		PromptLang:   req.PromptLang,
		SplitMethod:  req.TextSplitMethod,
		SpeedFactor:  req.SpeedFactor,
		MediaType:    string(media),
		Streaming:    req.Streaming,
		AudioSeconds: produced.Seconds(),
		ElapsedMS:    elapsed.Milliseconds(),
	}
	evtType := journal.TypeSynthesisCompleted
	if err != nil {
		evtType = journal.TypeSynthesisFailed
		summary.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("synthesis failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed))
	} else {
		s.log.Info("synthesis completed",
			slog.String("request_id", requestID),
			slog.String("media_type", string(media)),
			slog.Duration("audio", produced),
			slog.Duration("elapsed", elapsed))
	}
	s.record(context.WithoutCancel(ctx), requestID, evtType, string(media), summary)
	return err
}

// SetWeights applies path to the model selected by kind. Loader errors are
// returned unchanged.
func (s *Service) SetWeights(ctx context.Context, requestID string, kind synth.Kind, path string) error {
	ctx, span := s.tracer.Start(ctx, "gateway.set_weights", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("weights.kind", string(kind)),
	))
	defer span.End()

	err := synth.Load(ctx, s.engine, kind, path)

	outcome := "ok"
	evtType := journal.TypeWeightsApplied
	if err != nil {
		outcome = "error"
		evtType = journal.TypeWeightsFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("weights swap failed",
			slog.String("request_id", requestID),
			slog.String("kind", string(kind)),
			slog.String("weights_path", path),
			slog.String("error", err.Error()))
	} else {
		s.log.Info("weights applied",
			slog.String("request_id", requestID),
			slog.String("kind", string(kind)),
			slog.String("weights_path", path))
	}
	if s.swaps != nil {
		s.swaps.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind)), attribute.String("outcome", outcome)))
	}

	evt := journal.Event{RequestID: requestID, Type: evtType, Subject: string(kind), Payload: journal.WeightsPayload(path)}
	if s.journal != nil {
		if jerr := s.journal.Append(context.WithoutCancel(ctx), evt); jerr != nil {
			s.log.Warn("failed to journal weights swap", slog.String("error", jerr.Error()))
		}
	}
	if err != nil {
		return err
	}

	s.mu.RLock()
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.mu.RUnlock()
	for _, n := range notifiers {
		n.WeightsChanged(ctx, requestID, kind, path)
	}
	return nil
}

func (s *Service) record(ctx context.Context, requestID, evtType, subject string, payload any) {
	if s.journal == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to encode journal payload", slog.String("error", err.Error()))
		return
	}
	if err := s.journal.Append(ctx, journal.Event{RequestID: requestID, Type: evtType, Subject: subject, Payload: data}); err != nil {
		s.log.Warn("failed to journal event", slog.String("type", evtType), slog.String("error", err.Error()))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// FailureMessage renders err the way API clients see engine failures.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("engine timed out: %v", err)
	default:
		return err.Error()
	}
}
