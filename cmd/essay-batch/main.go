package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/app"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/pipeline"
)

// printError prints to stderr, falling back to stdout.
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config overlay")
		in         = flag.String("in", "", "input root (defaults to PIPELINE_INPUT_ROOT)")
		out        = flag.String("out", "", "output root for artifacts and the report")
		stages     = flag.String("stages", "", "comma-separated stages to run (default: all)")
		noReport   = flag.Bool("no-report", false, "skip the XLSX report")
	)
	flag.Parse()

	_ = godotenv.Load()
	logger := common.NewJSONLogger(os.Stdout)
	slog.SetDefault(logger)

	cfg, err := common.Load(*configPath)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	// One-shot runs keep job snapshots in memory.
	cfg.Store.Driver = "memory"

	req := app.RunRequest{InputRoot: *in, OutputRoot: *out, Report: !*noReport}
	for _, s := range strings.Split(*stages, ",") {
		if s = strings.TrimSpace(s); s != "" {
			req.Stages = append(req.Stages, constants.Stage(s))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Error("batch.init.failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Close(cctx); err != nil {
			logger.Error("batch.close.failed", "error", err)
		}
	}()

	start := time.Now()
	res, err := a.Run(ctx, req, func(p pipeline.Progress) {
		logger.Info("batch.progress", "stage", p.Stage, "completed", p.Completed, "total", p.Total)
	})
	if res != nil {
		logger.Info("batch.discovery",
			"scanned", res.Discovery.Scanned,
			"matched", res.Discovery.Matched,
			"unsupported", res.Discovery.Unsupported,
		)
		if res.Report != nil {
			for _, s := range res.Report.Stages {
				logger.Info("batch.stage.summary",
					"stage", s.Name,
					"documents", s.Documents,
					"succeeded", s.Succeeded,
					"failed", s.Failed,
					"skipped", s.Skipped,
					"tokens_per_second", s.TokensPerSecond,
				)
			}
			logger.Info("batch.done",
				"run_id", res.Report.RunID,
				"state", res.Report.State,
				"report", res.ReportPath,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		}
	}
	if err != nil {
		logger.Error("batch.run.failed", "error", err, "code", common.ErrorCode(err))
		os.Exit(1)
	}
}
