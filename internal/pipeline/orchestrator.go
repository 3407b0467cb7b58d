package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/batch"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Backend is the lifecycle surface of a supervised inference server.
type Backend interface {
	Start(ctx context.Context, timeout time.Duration) error
	Stop(ctx context.Context, timeout time.Duration) error
	IsReady() bool
	State() constants.ServerState
}

// StageObserver is told about every finished stage (metrics hook).
type StageObserver interface {
	StageFinished(s StageSummary)
}

// Progress is reported after every stage.
type Progress struct {
	Stage     constants.Stage
	Completed int
	Total     int
	Message   string
}

type RunOptions struct {
	// Stages to run; empty runs all of them. Order is always StageOrder.
	Stages   []constants.Stage
	Progress func(Progress)
}

type StageSummary struct {
	Name             constants.Stage `json:"name"`
	Documents        int             `json:"documents"`
	Tasks            int             `json:"tasks"`
	Succeeded        int             `json:"succeeded"`
	Failed           int             `json:"failed"`
	Skipped          int             `json:"skipped"`
	Cancelled        int             `json:"cancelled"`
	Retries          int             `json:"retries"`
	Elapsed          time.Duration   `json:"elapsed"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TokensPerSecond  float64         `json:"tokens_per_second"`
}

type DocumentReport struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	RelPath    string                 `json:"rel_path"`
	Submission string                 `json:"submission,omitempty"`
	Kind       constants.DocumentKind `json:"kind"`
	Results    []StageResult          `json:"results"`
}

// Report is the outcome of one run. A completed run may still carry failed
// or skipped documents.
type Report struct {
	RunID     string             `json:"run_id"`
	State     constants.RunState `json:"state"`
	AbortedAt constants.Stage    `json:"aborted_at,omitempty"`
	Error     *common.Detail     `json:"error,omitempty"`
	Documents []DocumentReport   `json:"documents"`
	Stages    []StageSummary     `json:"stages"`
	StartedAt time.Time          `json:"started_at"`
	Elapsed   time.Duration      `json:"elapsed"`
}

// Orchestrator runs stages in order over a document set.
type Orchestrator struct {
	stages   map[constants.Stage]Stage
	backends map[string]Backend
	store    ArtifactStore
	logger   *slog.Logger

	startupTimeout time.Duration
	stopTimeout    time.Duration
	timeouts       map[string]BackendTimeouts
	itemTimeout    time.Duration
	retries        int
	releaseOCR     bool
	itemObserver   batch.Observer
	stageObserver  StageObserver
	settings       []Setting
}

type Option func(*Orchestrator)

func WithStartupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.startupTimeout = d
		}
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// BackendTimeouts overrides the default start and stop timeouts for one backend.
type BackendTimeouts struct {
	Startup time.Duration
	Stop    time.Duration
}

// WithBackendTimeouts sets the timeouts used when starting, restarting or
// releasing the named backend. Zero values fall back to the defaults.
func WithBackendTimeouts(name string, t BackendTimeouts) Option {
	return func(o *Orchestrator) {
		if o.timeouts == nil {
			o.timeouts = map[string]BackendTimeouts{}
		}
		o.timeouts[name] = t
	}
}

// WithItemTimeout bounds every work item on top of the client's own timeout.
func WithItemTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.itemTimeout = d }
}

// WithStageRetries sets how many times a crashed backend is restarted and
// the stage re-run for documents that failed with transport errors.
func WithStageRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.retries = n
		}
	}
}

// WithReleaseOCRAfterPrep stops the OCR backend once preparation is done.
func WithReleaseOCRAfterPrep(on bool) Option {
	return func(o *Orchestrator) { o.releaseOCR = on }
}

func WithBatchObserver(obs batch.Observer) Option {
	return func(o *Orchestrator) { o.itemObserver = obs }
}

func WithStageObserver(obs StageObserver) Option {
	return func(o *Orchestrator) { o.stageObserver = obs }
}

func NewOrchestrator(stages []Stage, backends map[string]Backend, store ArtifactStore, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, common.NewConfigurationError("artifact store is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		stages:         make(map[constants.Stage]Stage, len(stages)),
		backends:       backends,
		store:          store,
		logger:         logger,
		startupTimeout: 120 * time.Second,
		stopTimeout:    5 * time.Second,
		retries:        1,
	}
	for _, s := range stages {
		if constants.StageIndex(s.Name()) < 0 {
			return nil, common.NewConfigurationError("unknown stage "+string(s.Name()), nil)
		}
		if _, dup := o.stages[s.Name()]; dup {
			return nil, common.NewConfigurationError("stage registered twice: "+string(s.Name()), nil)
		}
		o.stages[s.Name()] = s
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Plan resolves the requested stages into execution order.
func (o *Orchestrator) Plan(requested []constants.Stage) ([]Stage, error) {
	if len(requested) == 0 {
		requested = constants.StageOrder
	}
	seen := map[constants.Stage]bool{}
	var plan []Stage
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true
		st, ok := o.stages[name]
		if !ok {
			return nil, common.NewInvalidInputError(fmt.Sprintf("stage %q is not available", name), nil)
		}
		plan = append(plan, st)
	}
	sort.SliceStable(plan, func(i, j int) bool {
		return constants.StageIndex(plan[i].Name()) < constants.StageIndex(plan[j].Name())
	})
	return plan, nil
}

// Run executes the planned stages. The returned report is always non-nil
// once planning succeeded; err is set when the run was aborted.
func (o *Orchestrator) Run(ctx context.Context, docs []*DocumentUnit, opts RunOptions) (*Report, error) {
	plan, err := o.Plan(opts.Stages)
	if err != nil {
		return nil, err
	}
	if err := checkIDs(docs); err != nil {
		return nil, err
	}

	runID := common.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = common.WithRunID(ctx, runID)
	}
	logger := common.LoggerWith(ctx, o.logger)
	report := &Report{RunID: runID, State: constants.RunRunning, StartedAt: time.Now()}

	o.hydrate(ctx, docs, plan)

	total := len(plan) * len(docs)
	completed := 0
	progress := func(stage constants.Stage, msg string) {
		if opts.Progress != nil {
			opts.Progress(Progress{Stage: stage, Completed: completed, Total: total, Message: msg})
		}
	}
	progress(plan[0].Name(), "starting")
	logger.Info("pipeline.run.start", "documents", len(docs), "stages", len(plan))

	var runErr error
	for _, st := range plan {
		if err := ctx.Err(); err != nil {
			runErr = common.NewCancelledError("run cancelled before "+string(st.Name()), err)
			report.AbortedAt = st.Name()
			break
		}
		summary, err := o.runStage(ctx, logger, st, docs)
		report.Stages = append(report.Stages, summary)
		if o.stageObserver != nil {
			o.stageObserver.StageFinished(summary)
		}
		if err != nil {
			runErr = err
			report.AbortedAt = st.Name()
			break
		}
		completed += len(docs)
		progress(st.Name(), fmt.Sprintf("%s done: %d ok, %d failed, %d skipped", st.Name(), summary.Succeeded, summary.Failed, summary.Skipped))

		if st.Name() == constants.StagePreparation && o.releaseOCR {
			o.release(ctx, logger, constants.BackendOCR)
		}
	}

	report.Elapsed = time.Since(report.StartedAt)
	report.Documents = documentReports(docs)
	if runErr != nil {
		report.State = constants.RunAborted
		report.Error = common.DetailOf(runErr)
		o.explain(ctx, logger, report, plan, docs)
		logger.Error("pipeline.run.aborted", "stage", report.AbortedAt, "code", common.ErrorCode(runErr), "error", runErr)
		return report, runErr
	}
	report.State = constants.RunCompleted
	o.explain(ctx, logger, report, plan, docs)
	logger.Info("pipeline.run.done", "elapsed_ms", report.Elapsed.Milliseconds())
	return report, nil
}

func (o *Orchestrator) runStage(ctx context.Context, logger *slog.Logger, st Stage, docs []*DocumentUnit) (StageSummary, error) {
	start := time.Now()
	name := st.Name()
	logger = logger.With("stage", name)
	summary := StageSummary{Name: name, Documents: len(docs)}

	eligible := make([]*DocumentUnit, 0, len(docs))
	for _, d := range docs {
		if err := predecessorOK(d, name); err != nil {
			d.record(skippedResult(d.ID, name, err))
			continue
		}
		eligible = append(eligible, d)
	}

	env := Env{BackendReady: true}
	if backend := st.Backend(); backend != "" && st.NeedsBackend(eligible) {
		if err := o.ensure(ctx, backend); err != nil {
			if common.IsCancellation(err) {
				return o.finish(summary, docs, start), err
			}
			if backend != constants.BackendOCR {
				return o.finish(summary, docs, start), common.WrapError(err, "start "+backend+" backend")
			}
			logger.Warn("pipeline.stage.backend_unavailable", "backend", backend, "error", err)
			env.BackendReady = false
		}
	}

	tasks, err := o.execute(ctx, st, eligible, env)
	summary.Tasks += tasks
	if err != nil {
		return o.finish(summary, docs, start), err
	}

	for attempt := 0; attempt < o.retries; attempt++ {
		retry := transportFailures(eligible, name)
		if len(retry) == 0 || !o.crashed(st.Backend()) {
			break
		}
		logger.Warn("pipeline.stage.backend_crashed", "backend", st.Backend(), "documents", len(retry), "attempt", attempt+1)
		if err := o.backends[st.Backend()].Start(ctx, o.startupFor(st.Backend())); err != nil {
			return o.finish(summary, docs, start), common.WrapError(err, "restart crashed "+st.Backend()+" backend")
		}
		summary.Retries++
		tasks, err := o.execute(ctx, st, retry, env)
		summary.Tasks += tasks
		if err != nil {
			return o.finish(summary, docs, start), err
		}
	}

	summary = o.finish(summary, docs, start)
	logger.Info("pipeline.stage.done",
		"ok", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"tasks", summary.Tasks,
		"elapsed_ms", summary.Elapsed.Milliseconds(),
	)
	if err := ctx.Err(); err != nil {
		return summary, common.NewCancelledError("run cancelled during "+string(name), err)
	}
	return summary, nil
}

// execute runs one wave for docs and records a result for each of them.
func (o *Orchestrator) execute(ctx context.Context, st Stage, docs []*DocumentUnit, env Env) (int, error) {
	items, resolved := st.BuildWorkItems(docs, env)
	active := make([]*DocumentUnit, 0, len(docs))
	for _, d := range docs {
		if r, ok := resolved[d.ID]; ok {
			r.DocID, r.Stage = d.ID, st.Name()
			d.record(r)
			continue
		}
		active = append(active, d)
	}

	b, err := batch.New(st.Concurrency(),
		batch.WithLogger(o.logger),
		batch.WithItemTimeout(o.itemTimeout),
		batch.WithObserver(o.itemObserver),
	)
	if err != nil {
		return 0, err
	}
	outcome, err := b.Run(ctx, items, st.Execute)
	if err != nil {
		return 0, err
	}

	byID := make(map[string]*DocumentUnit, len(active))
	for _, d := range active {
		byID[d.ID] = d
	}
	for _, r := range st.ApplyResults(ctx, active, outcome, o.store) {
		if d, ok := byID[r.DocID]; ok {
			d.record(r)
			delete(byID, r.DocID)
		}
	}
	// Every document must leave the stage with a result.
	for id, d := range byID {
		d.record(failedResult(id, st.Name(), common.NewAppError(common.CodeInternal, "stage produced no result", nil)))
	}
	return len(items), nil
}

func (o *Orchestrator) ensure(ctx context.Context, name string) error {
	b, ok := o.backends[name]
	if !ok || b == nil {
		return common.NewDependencyMissingError("no "+name+" backend configured", nil)
	}
	if b.IsReady() {
		return nil
	}
	return b.Start(ctx, o.startupFor(name))
}

func (o *Orchestrator) startupFor(name string) time.Duration {
	if t, ok := o.timeouts[name]; ok && t.Startup > 0 {
		return t.Startup
	}
	return o.startupTimeout
}

func (o *Orchestrator) stopFor(name string) time.Duration {
	if t, ok := o.timeouts[name]; ok && t.Stop > 0 {
		return t.Stop
	}
	return o.stopTimeout
}

func (o *Orchestrator) crashed(name string) bool {
	b, ok := o.backends[name]
	return ok && b != nil && b.State() == constants.ServerCrashed
}

func (o *Orchestrator) release(ctx context.Context, logger *slog.Logger, name string) {
	b, ok := o.backends[name]
	if !ok || b == nil || !b.IsReady() {
		return
	}
	if err := b.Stop(ctx, o.stopFor(name)); err != nil {
		logger.Warn("pipeline.backend.release_failed", "backend", name, "error", err)
		return
	}
	logger.Info("pipeline.backend.released", "backend", name)
}

// hydrate loads artifacts of earlier stages that are not part of plan from
// the store, so a partial run can consume the output of a previous one.
func (o *Orchestrator) hydrate(ctx context.Context, docs []*DocumentUnit, plan []Stage) {
	planned := make(map[constants.Stage]bool, len(plan))
	for _, st := range plan {
		planned[st.Name()] = true
	}
	last := constants.StageIndex(plan[len(plan)-1].Name())
	for _, d := range docs {
		for _, stage := range constants.StageOrder[:last] {
			if planned[stage] {
				continue
			}
			if r, ok := d.Result(stage); ok && r.OK() {
				if _, has := d.Artifact(stage); has {
					continue
				}
			}
			ref, err := o.store.Get(ctx, d.ID, stage)
			if err != nil {
				continue
			}
			d.record(okResult(d.ID, stage, ref))
		}
	}
}

func (o *Orchestrator) finish(summary StageSummary, docs []*DocumentUnit, start time.Time) StageSummary {
	summary.Elapsed = time.Since(start)
	for _, d := range docs {
		r, ok := d.Result(summary.Name)
		if !ok {
			continue
		}
		switch r.Status {
		case constants.StageOK:
			summary.Succeeded++
		case constants.StageFailed:
			summary.Failed++
			if r.Error != nil && r.Error.Code == common.CodeCancelled {
				summary.Cancelled++
			}
		case constants.StageSkipped:
			summary.Skipped++
		}
		summary.PromptTokens += r.PromptTokens
		summary.CompletionTokens += r.CompletionTokens
	}
	if secs := summary.Elapsed.Seconds(); secs > 0 {
		summary.TokensPerSecond = float64(summary.CompletionTokens) / secs
	}
	return summary
}

// predecessorOK checks the result of the stage right before stage.
func predecessorOK(d *DocumentUnit, stage constants.Stage) error {
	idx := constants.StageIndex(stage)
	if idx <= 0 {
		return nil
	}
	prev := constants.StageOrder[idx-1]
	r, ok := d.Result(prev)
	if !ok {
		return common.NewDependencyMissingError(fmt.Sprintf("no %s result for document", prev), nil)
	}
	if !r.OK() {
		return common.NewDependencyMissingError(fmt.Sprintf("%s was %s", prev, r.Status), nil)
	}
	return nil
}

func transportFailures(docs []*DocumentUnit, stage constants.Stage) []*DocumentUnit {
	var out []*DocumentUnit
	for _, d := range docs {
		r, ok := d.Result(stage)
		if ok && r.Status == constants.StageFailed && r.Error != nil && r.Error.Code == common.CodeTransport {
			out = append(out, d)
		}
	}
	return out
}

func checkIDs(docs []*DocumentUnit) error {
	seen := make(map[string]string, len(docs))
	for _, d := range docs {
		if d == nil || d.ID == "" {
			return common.NewInvalidInputError("document without id", nil)
		}
		if prev, dup := seen[d.ID]; dup {
			return common.NewInvalidInputError(fmt.Sprintf("documents %s and %s share id %s", prev, d.Source, d.ID), nil)
		}
		seen[d.ID] = d.Source
		if d.Results == nil {
			d.Results = map[constants.Stage]StageResult{}
		}
		if d.Artifacts == nil {
			d.Artifacts = map[constants.Stage]ArtifactRef{}
		}
	}
	return nil
}

func documentReports(docs []*DocumentUnit) []DocumentReport {
	out := make([]DocumentReport, 0, len(docs))
	for _, d := range docs {
		dr := DocumentReport{ID: d.ID, Source: d.Source, RelPath: d.RelPath, Submission: d.Submission, Kind: d.Kind}
		for _, stage := range constants.StageOrder {
			if r, ok := d.Results[stage]; ok {
				dr.Results = append(dr.Results, r)
			}
		}
		out = append(out, dr)
	}
	return out
}
