// Package runtime assembles the gateway process: telemetry, journal, engine,
// bus, and the HTTP server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/api"
	"github.com/loqalabs/sovits-gateway/internal/bus"
	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/loqalabs/sovits-gateway/internal/gateway"
	"github.com/loqalabs/sovits-gateway/internal/journal"
	"github.com/loqalabs/sovits-gateway/internal/natsserver"
	"github.com/loqalabs/sovits-gateway/internal/presence"
	"github.com/loqalabs/sovits-gateway/internal/relay"
	"github.com/loqalabs/sovits-gateway/internal/synth"
)

const (
	startupRequestID = "startup"
	pruneInterval    = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer     *http.Server
	telemetryClose func(context.Context) error
	journal        *journal.Store
	engine         *synth.Guard
	gateway        *gateway.Service
	embedded       *natsserver.EmbeddedServer
	bus            *bus.Client
	relay          *relay.Service
	presence       *presence.Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "runtime")),
	}
}

// Start brings the service up and blocks until ctx is cancelled. Failures
// while applying the default weights or connecting the bus are returned.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler, err := r.setup(ctx)
	if err != nil {
		r.close(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(r.cfg.HTTP.ReadHeaderTimeoutMS) * time.Millisecond,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.journal.RunPruner(ctx, pruneInterval)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("engine", r.cfg.Engine.Mode))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
		cancel()
	}

	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(r.cfg.HTTP.ShutdownTimeoutMS)*time.Millisecond)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.close(shutdownCtx)
	return runErr
}

// setup builds every component and returns the HTTP handler.
func (r *Runtime) setup(ctx context.Context) (http.Handler, error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	backend, err := synth.New(r.cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	r.engine = synth.NewGuard(backend)
	timeout := time.Duration(r.cfg.Engine.TimeoutMS) * time.Millisecond
	r.gateway = gateway.New(r.engine, r.cfg.Defaults, timeout, r.journal, r.logger)

	if err := r.applyStartupWeights(ctx); err != nil {
		return nil, err
	}

	opts := []api.Option{api.WithJournal(r.journal)}
	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx, timeout); err != nil {
			return nil, err
		}
		opts = append(opts, api.WithNodes(r.presence))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	api.NewHandler(r.gateway, r.logger, opts...).Register(mux)
	return mux, nil
}

// applyStartupWeights loads the configured checkpoints, or the last ones
// recorded in the journal when restore_weights is set.
func (r *Runtime) applyStartupWeights(ctx context.Context) error {
	paths := map[synth.Kind]string{
		synth.KindText:    r.cfg.Custom.T2SWeightsPath,
		synth.KindVocoder: r.cfg.Custom.VITSWeightsPath,
	}
	if r.cfg.Journal.RestoreWeights {
		for kind := range paths {
			path, ok, err := r.journal.LastApplied(ctx, string(kind))
			if err != nil {
				return fmt.Errorf("failed to read applied weights: %w", err)
			}
			if ok {
				r.logger.Info("restoring weights from journal", slog.String("kind", string(kind)), slog.String("weights_path", path))
				paths[kind] = path
			}
		}
	}
	for _, kind := range []synth.Kind{synth.KindText, synth.KindVocoder} {
		if err := r.gateway.SetWeights(ctx, startupRequestID, kind, paths[kind]); err != nil {
			return fmt.Errorf("failed to load %s weights %q: %w", kind, paths[kind], err)
		}
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context, timeout time.Duration) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.ServiceName+"-"+r.cfg.Node.ID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}

	r.relay = relay.NewService(ctx, r.cfg.Node.ID, r.bus.Conn(), r.gateway, timeout, r.logger)
	if err := r.relay.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	r.gateway.AddNotifier(r.relay)

	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.cfg.Engine.Mode, r.gateway, r.bus.Conn(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence: %w", err)
	}
	r.gateway.AddNotifier(r.presence)
	return nil
}

func (r *Runtime) close(ctx context.Context) {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.relay != nil {
		r.relay.Close()
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled {
		return r.bus.Healthy() && r.relay.Healthy()
	}
	return true
}
