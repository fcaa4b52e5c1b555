package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/loqalabs/sovits-gateway/internal/logging"
	"github.com/loqalabs/sovits-gateway/internal/runtime"
	flag "github.com/spf13/pflag"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVarP(&configPath, "config", "c", "GPT_SoVITS/configs/tts_infer.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		bootstrap.Error("failed to load config", logging.Error(err))
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logger = logger.With(slog.String("service", cfg.ServiceName), slog.String("version", version))

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", logging.Error(err))
		closer.Close()
		time.Sleep(time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
