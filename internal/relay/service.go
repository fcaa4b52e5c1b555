// Package relay serves gateway operations over NATS.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/sovits-gateway/internal/gateway"
	"github.com/loqalabs/sovits-gateway/internal/protocol"
	"github.com/loqalabs/sovits-gateway/internal/synth"
	"github.com/nats-io/nats.go"
)

// QueueGroup spreads bus synthesis requests across gateway nodes.
const QueueGroup = "sovits-gateway"

type Service struct {
	nodeID  string
	conn    *nats.Conn
	gateway *gateway.Service
	timeout time.Duration

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// mu orders wg.Add against Close so no request starts once Wait may run.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(parent context.Context, nodeID string, conn *nats.Conn, gw *gateway.Service, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		nodeID:  nodeID,
		conn:    conn,
		gateway: gw,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "relay")),
	}
}

func (s *Service) Start() error {
	ttsSub, err := s.conn.QueueSubscribe(protocol.SubjectTTSRequest, QueueGroup, s.handleTTS)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, ttsSub)

	weightsSub, err := s.conn.Subscribe(protocol.SubjectWeightsSet, s.handleWeights)
	if err != nil {
		_ = ttsSub.Unsubscribe()
		return err
	}
	s.subs = append(s.subs, weightsSub)
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.conn.IsConnected() }

func (s *Service) handleTTS(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("dropping tts request after close", slog.String("request_id", req.RequestID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()

		ctx := s.ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		var (
			sequence   int
			media      string
			sampleRate int
		)
		err := s.gateway.Stream(ctx, req.RequestID, req.Request, func(c gateway.Chunk) error {
			sequence = c.Sequence + 1
			media = string(c.MediaType)
			sampleRate = c.SampleRate
			return s.publishChunk(req, protocol.AudioChunk{
				Sequence:   c.Sequence,
				MediaType:  media,
				SampleRate: c.SampleRate,
				Data:       c.Data,
			})
		})
		if err == nil {
			err = s.publishChunk(req, protocol.AudioChunk{Sequence: sequence, MediaType: media, SampleRate: sampleRate, Final: true})
		}
		s.publishStatus(req, err)
	}()
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk protocol.AudioChunk) error {
	chunk.RequestID = req.RequestID
	chunk.Target = req.Target
	chunk.Channels = 1
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.conn.Publish(protocol.AudioSubject(req.RequestID), data)
}

func (s *Service) publishStatus(req protocol.TTSRequest, err error) {
	status := protocol.TTSStatus{
		RequestID: req.RequestID,
		Target:    req.Target,
		NodeID:    s.nodeID,
		Completed: err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = gateway.FailureMessage(err)
	}
	data, mErr := json.Marshal(status)
	if mErr != nil {
		s.logger.Warn("failed to marshal tts status", slogError(mErr))
		return
	}
	if pErr := s.conn.Publish(protocol.SubjectTTSDone, data); pErr != nil {
		s.logger.Warn("failed to publish tts status", slogError(pErr))
	}
}

func (s *Service) handleWeights(msg *nats.Msg) {
	var req protocol.WeightsRequest
	reply := protocol.WeightsReply{Message: "success"}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply = protocol.WeightsReply{Message: "invalid weights request", Exception: err.Error()}
		s.respond(msg, reply)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	kind, err := synth.ParseKind(req.Kind)
	if err != nil {
		s.respond(msg, protocol.WeightsReply{Message: "invalid weights request", Exception: err.Error()})
		return
	}
	if err := s.gateway.SetWeights(s.ctx, req.RequestID, kind, req.WeightsPath); err != nil {
		reply = protocol.WeightsReply{Message: "change " + string(kind) + " weight failed", Exception: err.Error()}
	}
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, reply protocol.WeightsReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal weights reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send weights reply", slogError(err))
	}
}

// WeightsChanged broadcasts a successful swap to the bus.
func (s *Service) WeightsChanged(_ context.Context, requestID string, kind synth.Kind, path string) {
	evt := protocol.WeightsChanged{
		NodeID:      s.nodeID,
		Kind:        string(kind),
		WeightsPath: path,
		RequestID:   requestID,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal weights change", slogError(err))
		return
	}
	if err := s.conn.Publish(protocol.SubjectWeightsChanged, data); err != nil {
		s.logger.Warn("failed to publish weights change", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
