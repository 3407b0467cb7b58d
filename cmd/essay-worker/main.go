package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/joseph-ayodele/essay-pipeline/internal/app"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	_ = godotenv.Load()
	// stdout carries protocol frames.
	logger := common.NewJSONLogger(os.Stderr)
	slog.SetDefault(logger)

	cfg, err := common.Load(*configPath)
	if err != nil {
		logger.Error("worker.config.failed", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Error("worker.init.failed", "error", err)
		os.Exit(1)
	}

	serveErr := worker.NewServer(a, logger).Serve(ctx, os.Stdin, os.Stdout)

	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(cctx); err != nil {
		logger.Error("worker.close.failed", "error", err)
	}
	if serveErr != nil {
		logger.Error("worker.serve.failed", "error", serveErr)
		os.Exit(1)
	}
}
