// Package app wires the supervisors, inference clients, stages and job
// manager into the operations the HTTP API and the worker protocol expose.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/extract"
	"github.com/joseph-ayodele/essay-pipeline/internal/jobs"
	"github.com/joseph-ayodele/essay-pipeline/internal/llm"
	"github.com/joseph-ayodele/essay-pipeline/internal/metrics"
	"github.com/joseph-ayodele/essay-pipeline/internal/models"
	"github.com/joseph-ayodele/essay-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/essay-pipeline/internal/supervisor"
)

type App struct {
	cfg    *common.Config
	logger *slog.Logger

	backends  *supervisor.Set
	llm       pipeline.Caller
	ocr       pipeline.Caller
	extractor *extract.Service
	jobs      *jobs.Manager
	jobStore  jobs.Store
	selection *models.Selection
	metrics   *metrics.Metrics

	launcher  supervisor.Launcher
	checker   supervisor.HealthChecker
	runner    extract.Runner
	observers []supervisor.StateObserver
	closers   []io.Closer
}

type Option func(*App)

// WithLauncher replaces the os/exec launcher used for backend subprocesses.
func WithLauncher(l supervisor.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

func WithHealthChecker(p supervisor.HealthChecker) Option {
	return func(a *App) { a.checker = p }
}

// WithExtractRunner replaces the os/exec runner used by pdftotext and pandoc.
func WithExtractRunner(r extract.Runner) Option {
	return func(a *App) { a.runner = r }
}

// WithJobStore sets where job snapshots persist; the default keeps them in memory.
func WithJobStore(s jobs.Store) Option {
	return func(a *App) { a.jobStore = s }
}

func WithSelection(s *models.Selection) Option {
	return func(a *App) { a.selection = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCallers replaces the HTTP inference clients. A nil ocr disables image
// documents.
func WithCallers(llmCaller, ocrCaller pipeline.Caller) Option {
	return func(a *App) {
		a.llm = llmCaller
		a.ocr = ocrCaller
	}
}

func New(ctx context.Context, cfg *common.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, common.NewConfigurationError("config is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(a)
	}

	if err := a.applySelection(ctx); err != nil {
		return nil, err
	}

	var supOpts []supervisor.Option
	if a.metrics != nil {
		supOpts = append(supOpts, supervisor.WithStateObserver(a.metrics.BackendStateChanged))
	}
	for _, fn := range a.observers {
		supOpts = append(supOpts, supervisor.WithStateObserver(fn))
	}
	llmSup, err := supervisor.New(supervisor.ConfigFromBackend(constants.BackendLLM, cfg.LLM), a.launcher, a.checker, logger, supOpts...)
	if err != nil {
		return nil, common.WrapError(err, "llm backend")
	}
	sups := []*supervisor.Supervisor{llmSup}
	if cfg.OCR.Enabled {
		ocrSup, err := supervisor.New(supervisor.ConfigFromBackend(constants.BackendOCR, cfg.OCR), a.launcher, a.checker, logger, supOpts...)
		if err != nil {
			return nil, common.WrapError(err, "ocr backend")
		}
		sups = append(sups, ocrSup)
	}
	a.backends = supervisor.NewSet(sups...)

	if a.llm == nil {
		a.llm = llm.NewClient(llm.ConfigFromBackend(cfg.LLM), logger)
		if cfg.OCR.Enabled {
			// Assigned only when enabled so a disabled OCR stays a nil interface.
			a.ocr = llm.NewClient(llm.ConfigFromBackend(cfg.OCR), logger)
		}
	}
	a.extractor = extract.NewService(extract.ConfigFromPipeline(cfg.Pipeline), a.runner, logger)

	jobOpts := []jobs.Option{
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithQueueSize(cfg.Jobs.QueueSize),
		jobs.WithCancelGrace(cfg.Jobs.CancelGrace),
		jobs.WithForceStop(a.backends.KillAll),
	}
	if a.metrics != nil {
		jobOpts = append(jobOpts, jobs.WithObserver(a.metrics))
	}
	if a.jobStore == nil {
		a.jobStore = jobs.NewMemoryStore()
	}
	a.jobs = jobs.NewManager(a.jobStore, logger, jobOpts...)
	if _, err := a.jobs.Recover(ctx); err != nil {
		logger.Warn("app.jobs.recover_failed", "error", err)
	}

	logger.Info("app.ready",
		"backends", a.backends.Names(),
		"job_workers", cfg.Jobs.Workers,
		"store", cfg.Store.Driver,
	)
	return a, nil
}

// applySelection points backends without an explicit model path at the
// selected (or recommended) catalog model.
func (a *App) applySelection(ctx context.Context) error {
	if a.selection == nil {
		return nil
	}
	for _, b := range []struct {
		kind string
		cfg  *common.BackendConfig
	}{
		{constants.BackendLLM, &a.cfg.LLM},
		{constants.BackendOCR, &a.cfg.OCR},
	} {
		if b.cfg.ModelPath != "" {
			continue
		}
		spec, err := a.selection.Current(ctx, b.kind)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		*b.cfg = spec.Apply(*b.cfg)
		a.logger.Info("app.model.selected", "kind", b.kind, "key", spec.Key)
	}
	return nil
}

func (a *App) Config() *common.Config { return a.cfg }

func (a *App) Backends() *supervisor.Set { return a.backends }

// Close cancels outstanding jobs and stops every backend.
func (a *App) Close(ctx context.Context) error {
	a.jobs.Shutdown(ctx)
	var errs []error
	if err := a.backends.StopAll(ctx, a.cfg.LLM.StopTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := a.jobStore.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Info("app.closed")
	return errors.Join(errs...)
}
