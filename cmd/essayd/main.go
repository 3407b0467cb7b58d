package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/app"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/metrics"
	"github.com/joseph-ayodele/essay-pipeline/internal/server"
	"github.com/joseph-ayodele/essay-pipeline/internal/watch"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config overlay")
		startLLM   = flag.Bool("start-llm", false, "start the LLM backend before serving")
		watchInput = flag.Bool("watch", false, "submit a run whenever documents change under the input root")
	)
	flag.Parse()

	_ = godotenv.Load()
	logger := common.NewConsoleLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(*configPath, *startLLM, *watchInput, logger); err != nil {
		logger.Error("essayd.exit", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, startLLM, watchInput bool, logger *slog.Logger) error {
	cfg, err := common.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backends := []string{constants.BackendLLM}
	if cfg.OCR.Enabled {
		backends = append(backends, constants.BackendOCR)
	}
	health := server.NewHealthReporter(backends...)

	a, err := app.Bootstrap(ctx, cfg, logger,
		app.WithMetrics(m),
		app.WithBackendObserver(health.BackendStateChanged),
	)
	if err != nil {
		return err
	}

	if startLLM {
		if _, err := a.StartBackend(ctx, constants.BackendLLM); err != nil {
			logger.Warn("essayd.llm.start_failed", "error", err)
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.NewRouter(a, m.Handler(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	reflection.Register(grpcSrv)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if watchInput {
		batches, _, err := watch.Watch(gctx, watch.Config{
			Root:     cfg.Pipeline.InputRoot,
			Exclude:  []string{cfg.Pipeline.OutputRoot},
			Debounce: cfg.Pipeline.WatchDebounce,
		}, logger)
		if err != nil {
			_ = lis.Close()
			_ = a.Close(context.Background())
			return err
		}
		g.Go(func() error {
			watch.Submit(gctx, batches, func(ctx context.Context, _ []string) (string, error) {
				return a.SubmitRun(ctx, app.RunRequest{Report: true})
			}, logger)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("essayd.http.serving", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("essayd.grpc.serving", "addr", cfg.Server.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("essayd.shutdown")
		health.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := httpSrv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		grpcSrv.GracefulStop()
		if err := a.Close(sctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
