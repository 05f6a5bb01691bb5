package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/layer-3/authflow"
	"github.com/layer-3/authflow/internal/config"
	"github.com/layer-3/authflow/internal/logger"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	log := logger.New(logger.Config{
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Service: "authflow",
		Version: version,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := authflow.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start", zap.Error(err))
		return 1
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		return 1
	}
	log.Info("shut down")
	return 0
}
