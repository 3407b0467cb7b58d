package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/discovery"
	"github.com/joseph-ayodele/essay-pipeline/internal/export"
	"github.com/joseph-ayodele/essay-pipeline/internal/jobs"
	"github.com/joseph-ayodele/essay-pipeline/internal/pipeline"
)

// JobKindPipeline labels jobs created by SubmitRun.
const JobKindPipeline = "pipeline"

// RunRequest selects the documents and stages of one run. Empty roots fall
// back to the configured ones; empty Stages runs the whole pipeline.
type RunRequest struct {
	InputRoot  string            `json:"input_root,omitempty"`
	OutputRoot string            `json:"output_root,omitempty"`
	Stages     []constants.Stage `json:"stages,omitempty"`
	// Report writes <output_root>/report-<run_id>.xlsx when set.
	Report bool `json:"report,omitempty"`
}

// RunResult is what a pipeline job stores as its result.
type RunResult struct {
	Report     *pipeline.Report `json:"report,omitempty"`
	Discovery  discovery.Stats  `json:"discovery"`
	ReportPath string           `json:"report_path,omitempty"`
}

func (a *App) normalize(req RunRequest) (RunRequest, error) {
	if req.InputRoot == "" {
		req.InputRoot = a.cfg.Pipeline.InputRoot
	}
	if req.OutputRoot == "" {
		req.OutputRoot = a.cfg.Pipeline.OutputRoot
	}
	if req.InputRoot == "" || req.OutputRoot == "" {
		return req, common.NewInvalidInputError("input_root and output_root are required", nil)
	}
	for _, st := range req.Stages {
		if constants.StageIndex(st) < 0 {
			return req, common.NewInvalidInputError(fmt.Sprintf("unknown stage %q", st), nil)
		}
	}
	return req, nil
}

// SubmitRun validates req and queues it as a job.
func (a *App) SubmitRun(ctx context.Context, req RunRequest) (string, error) {
	req, err := a.normalize(req)
	if err != nil {
		return "", err
	}
	return a.jobs.Submit(ctx, JobKindPipeline, func(ctx context.Context, p *jobs.Progress) (any, error) {
		res, err := a.Run(ctx, req, func(pr pipeline.Progress) {
			p.Update(string(pr.Stage), pr.Completed, pr.Total, pr.Message)
		})
		if res == nil {
			// Keeps a typed-nil pointer out of the job result.
			return nil, err
		}
		return res, err
	})
}

// Run discovers the input documents and runs the pipeline synchronously.
// An aborted run returns its partial result together with the error.
func (a *App) Run(ctx context.Context, req RunRequest, progress func(pipeline.Progress)) (*RunResult, error) {
	req, err := a.normalize(req)
	if err != nil {
		return nil, err
	}
	logger := common.LoggerWith(ctx, a.logger)

	docs, stats, err := discovery.Discover(ctx, req.InputRoot, discovery.Options{
		SkipHidden: true,
		Exclude:    []string{req.OutputRoot},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	res := &RunResult{Discovery: stats}
	if len(docs) == 0 {
		return res, common.NewInvalidInputError("no supported documents under "+req.InputRoot, nil)
	}

	store, err := pipeline.NewFileStore(req.OutputRoot)
	if err != nil {
		return res, err
	}
	orch, err := a.orchestrator(store)
	if err != nil {
		return res, err
	}

	report, runErr := orch.Run(ctx, docs, pipeline.RunOptions{Stages: req.Stages, Progress: progress})
	res.Report = report
	if report != nil && req.Report {
		path := filepath.Join(req.OutputRoot, "report-"+report.RunID+".xlsx")
		if err := export.NewService(store, logger).WriteRunReport(ctx, report, path); err != nil {
			logger.Error("app.report.failed", "error", err)
		} else {
			res.ReportPath = path
		}
	}
	return res, runErr
}

func (a *App) orchestrator(store pipeline.ArtifactStore) (*pipeline.Orchestrator, error) {
	deps := pipeline.Deps{
		LLM:          a.llm,
		Extractor:    a.extractor,
		HEIC:         a.extractor,
		Pipeline:     a.cfg.Pipeline,
		LLMTimeout:   a.cfg.LLM.RequestTimeout,
		OCRTimeout:   a.cfg.OCR.RequestTimeout,
		MaxImageSide: a.cfg.OCR.MaxImageSide,
	}
	backends := map[string]pipeline.Backend{}
	settings := []pipeline.Setting{
		{Key: "concurrency", Value: fmt.Sprint(a.cfg.Pipeline.Concurrency)},
		{Key: "max_corrections", Value: fmt.Sprint(a.cfg.Pipeline.MaxCorrections)},
	}
	if sup, err := a.backends.Get(constants.BackendLLM); err == nil {
		backends[constants.BackendLLM] = sup
		settings = append(settings, pipeline.Setting{Key: "llm_model", Value: modelName(sup.Status().ModelPath)})
	}
	if sup, err := a.backends.Get(constants.BackendOCR); err == nil && a.ocr != nil {
		deps.OCR = a.ocr
		backends[constants.BackendOCR] = sup
		settings = append(settings, pipeline.Setting{Key: "ocr_model", Value: modelName(sup.Status().ModelPath)})
	}

	opts := []pipeline.Option{
		pipeline.WithStartupTimeout(a.cfg.LLM.StartupTimeout),
		pipeline.WithStopTimeout(a.cfg.LLM.StopTimeout),
		pipeline.WithBackendTimeouts(constants.BackendLLM, pipeline.BackendTimeouts{
			Startup: a.cfg.LLM.StartupTimeout, Stop: a.cfg.LLM.StopTimeout,
		}),
		pipeline.WithBackendTimeouts(constants.BackendOCR, pipeline.BackendTimeouts{
			Startup: a.cfg.OCR.StartupTimeout, Stop: a.cfg.OCR.StopTimeout,
		}),
		pipeline.WithStageRetries(a.cfg.Pipeline.StageRetries),
		pipeline.WithReleaseOCRAfterPrep(a.cfg.Pipeline.ReleaseOCRAfterPrep),
		pipeline.WithRunSettings(settings...),
	}
	if a.metrics != nil {
		opts = append(opts, pipeline.WithBatchObserver(a.metrics), pipeline.WithStageObserver(a.metrics))
	}
	return pipeline.NewOrchestrator(pipeline.NewStages(deps), backends, store, a.logger, opts...)
}

func modelName(path string) string {
	if path == "" {
		return "unset"
	}
	return filepath.Base(path)
}

func (a *App) Job(ctx context.Context, id string) (jobs.Job, error) {
	return a.jobs.Get(ctx, id)
}

func (a *App) CancelJob(ctx context.Context, id string) (jobs.Job, error) {
	return a.jobs.Cancel(ctx, id)
}

func (a *App) ListJobs(ctx context.Context, limit int) ([]jobs.Job, error) {
	return a.jobs.List(ctx, limit)
}
