// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/sovits-gateway/internal/gateway"
	"github.com/loqalabs/sovits-gateway/internal/journal"
	"github.com/loqalabs/sovits-gateway/internal/presence"
	"github.com/loqalabs/sovits-gateway/internal/protocol"
	"github.com/loqalabs/sovits-gateway/internal/synth"
)

// JournalReader lists recorded events.
type JournalReader interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Event, error)
}

// NodeLister reports the nodes seen on the bus.
type NodeLister interface {
	Query(filter func(presence.NodeInfo) bool) []presence.NodeInfo
}

type Handler struct {
	svc     *gateway.Service
	journal JournalReader
	nodes   NodeLister
	log     *slog.Logger
}

type Option func(*Handler)

func WithJournal(j JournalReader) Option {
	return func(h *Handler) { h.journal = j }
}

func WithNodes(n NodeLister) Option {
	return func(h *Handler) { h.nodes = n }
}

func NewHandler(svc *gateway.Service, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{svc: svc, log: log.With(slog.String("component", "api"))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /tts", h.wrap(h.handleTTSQuery))
	mux.Handle("POST /tts", h.wrap(h.handleTTSBody))
	mux.Handle("GET /set_gpt_weights", h.wrap(h.weightsHandler(synth.KindText)))
	mux.Handle("GET /set_sovits_weights", h.wrap(h.weightsHandler(synth.KindVocoder)))
	mux.Handle("GET /weights", h.wrap(h.handleWeights))
	mux.Handle("GET /journal", h.wrap(h.handleJournal))
	mux.Handle("GET /nodes", h.wrap(h.handleNodes))
}

func (h *Handler) wrap(fn http.HandlerFunc) http.Handler {
	return withRequestID(h.log, fn)
}

type failure struct {
	Message   string `json:"message"`
	Exception string `json:"Exception"`
}

type ack struct {
	Message string `json:"message"`
}

func (h *Handler) handleTTSQuery(w http.ResponseWriter, r *http.Request) {
	req, err := parseQuery(r.URL.Query())
	if err != nil {
		writeValidation(w, err)
		return
	}
	h.synthesize(w, r, req)
}

func (h *Handler) handleTTSBody(w http.ResponseWriter, r *http.Request) {
	req, err := parseBody(r.Body)
	if err != nil {
		writeValidation(w, err)
		return
	}
	h.synthesize(w, r, req)
}

func (h *Handler) synthesize(w http.ResponseWriter, r *http.Request, req protocol.SynthesisRequest) {
	ctx := r.Context()
	id := RequestID(ctx)

	if h.svc.Streaming(req) {
		h.stream(w, r, req)
		return
	}

	res, err := h.svc.Synthesize(ctx, id, req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Message: "TTS failed", Exception: gateway.FailureMessage(err)})
		return
	}
	w.Header().Set("Content-Type", res.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req protocol.SynthesisRequest) {
	ctx := r.Context()
	flusher, _ := w.(http.Flusher)
	started := false

	err := h.svc.Stream(ctx, RequestID(ctx), req, func(c gateway.Chunk) error {
		if !started {
			w.Header().Set("Content-Type", c.MediaType.ContentType())
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write(c.Data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err == nil {
		return
	}
	if !started {
		writeJSON(w, http.StatusBadRequest, failure{Message: "TTS failed", Exception: gateway.FailureMessage(err)})
		return
	}
	// headers are gone; the client sees a truncated stream
	h.log.Warn("stream aborted", slog.String("request_id", RequestID(ctx)), slog.String("error", err.Error()))
}

func (h *Handler) weightsHandler(kind synth.Kind) http.HandlerFunc {
	failed := "change " + string(kind) + " weight failed"
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !q.Has("weights_path") {
			var verr validationError
			verr.missing("query", "weights_path")
			writeValidation(w, &verr)
			return
		}
		ctx := r.Context()
		if err := h.svc.SetWeights(ctx, RequestID(ctx), kind, q.Get("weights_path")); err != nil {
			writeJSON(w, http.StatusBadRequest, failure{Message: failed, Exception: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ack{Message: "success"})
	}
}

func (h *Handler) handleWeights(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Weights())
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, http.StatusOK, []journal.Event{})
		return
	}
	q := r.URL.Query()
	filter := journal.Filter{RequestID: q.Get("request_id"), Type: q.Get("type")}
	if q.Has("limit") {
		limit, err := strconv.Atoi(q.Get("limit"))
		if err != nil || limit < 0 {
			var verr validationError
			verr.add("query", "limit", "value is not a valid integer", "type_error.integer")
			writeValidation(w, &verr)
			return
		}
		filter.Limit = limit
	}
	events, err := h.journal.List(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ack{Message: err.Error()})
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := []presence.NodeInfo{}
	if h.nodes != nil {
		var filter func(presence.NodeInfo) bool
		if path := r.URL.Query().Get("gpt_weights_path"); path != "" {
			filter = presence.ServingWeights(path)
		}
		nodes = append(nodes, h.nodes.Query(filter)...)
	}
	writeJSON(w, http.StatusOK, nodes)
}

func writeValidation(w http.ResponseWriter, err error) {
	var verr *validationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, verr)
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, validationError{Detail: []FieldError{{Loc: []any{"body"}, Msg: err.Error(), Type: "value_error"}}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
