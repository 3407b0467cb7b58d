package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Work is the unit a job runs. The returned value becomes the job result and
// is JSON encoded; it is kept even when err is non-nil.
type Work func(ctx context.Context, progress *Progress) (any, error)

// Observer is notified on every state transition.
type Observer interface {
	JobStateChanged(kind string, from, to constants.JobState)
}

const persistTimeout = 5 * time.Second

type entry struct {
	mu              sync.Mutex
	job             Job
	work            Work
	cancel          context.CancelFunc
	cancelRequested bool
	grace           *time.Timer
	done            chan struct{}
}

type Manager struct {
	store       Store
	logger      *slog.Logger
	workers     int
	cancelGrace time.Duration
	forceStop   func()
	observer    Observer

	ch   chan *entry
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	entries map[string]*entry
}

type Option func(*Manager)

func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.ch = make(chan *entry, n)
		}
	}
}

// WithCancelGrace bounds how long a running job may take to acknowledge a
// cancel before it is forced to canceled.
func WithCancelGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.cancelGrace = d
		}
	}
}

// WithForceStop sets the hook run when a cancel is forced, typically killing
// the inference subprocesses.
func WithForceStop(fn func()) Option {
	return func(m *Manager) { m.forceStop = fn }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:       store,
		logger:      logger,
		workers:     1,
		cancelGrace: 10 * time.Second,
		ch:          make(chan *entry, 64),
		entries:     map[string]*entry{},
	}
	for _, o := range opts {
		o(m)
	}
	m.start()
	return m
}

func (m *Manager) start() {
	m.once.Do(func() {
		for i := 0; i < m.workers; i++ {
			m.wg.Add(1)
			go func(workerID int) {
				defer m.wg.Done()
				m.logger.Debug("jobs.worker.started", "worker_id", workerID)
				for e := range m.ch {
					m.run(workerID, e)
				}
				m.logger.Debug("jobs.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Submit enqueues work and returns its job id without waiting for it to run.
// A full queue is reported as InvalidState rather than blocking the caller.
func (m *Manager) Submit(ctx context.Context, kind string, work Work) (string, error) {
	if work == nil {
		return "", common.NewInvalidInputError("work is required", nil)
	}
	now := time.Now().UTC()
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			State:     constants.JobQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
		work: work,
		done: make(chan struct{}),
	}

	// Held until the queued snapshot is saved so a worker cannot overtake it.
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", common.NewInvalidStateError("job manager is shutting down")
	}
	select {
	case m.ch <- e:
	default:
		m.mu.Unlock()
		m.logger.Warn("jobs.submit.rejected", "kind", kind, "reason", "queue full")
		return "", common.NewInvalidStateError("job queue is full")
	}
	m.entries[e.job.ID] = e
	m.mu.Unlock()

	m.persist(e.job)
	m.notify(kind, "", constants.JobQueued)
	m.logger.Info("jobs.submit.ok", "job_id", e.job.ID, "kind", kind, "req_id", common.RequestIDFromContext(ctx))
	return e.job.ID, nil
}

// Get returns the current snapshot. Jobs from earlier processes are served
// from the store.
func (m *Manager) Get(ctx context.Context, id string) (Job, error) {
	if err := validateID(id); err != nil {
		return Job{}, err
	}
	if e := m.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job.clone(), nil
	}
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, limit int) ([]Job, error) {
	jobs, err := m.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	// Live entries are fresher than what was last persisted.
	for i, j := range jobs {
		if e := m.lookup(j.ID); e != nil {
			e.mu.Lock()
			jobs[i] = e.job.clone()
			e.mu.Unlock()
		}
	}
	return jobs, nil
}

// Cancel cancels a queued job immediately; a running job is signalled and
// Cancel waits until it acknowledges, the grace period forces it, or ctx ends.
// Cancelling a terminal job returns its snapshot unchanged.
func (m *Manager) Cancel(ctx context.Context, id string) (Job, error) {
	if err := validateID(id); err != nil {
		return Job{}, err
	}
	e := m.lookup(id)
	if e == nil {
		j, err := m.store.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if !j.State.Terminal() {
			return j, common.NewInvalidStateError("job " + id + " is not owned by this process")
		}
		return j, nil
	}

	e.mu.Lock()
	switch {
	case e.job.State.Terminal():
		snap := e.job.clone()
		e.mu.Unlock()
		return snap, nil
	case e.job.State == constants.JobQueued:
		m.finish(e, constants.JobCanceled, nil, common.NewCancelledError("canceled before start", nil))
		snap := e.job.clone()
		e.mu.Unlock()
		m.logger.Info("jobs.cancel.queued", "job_id", id)
		return snap, nil
	}
	if !e.cancelRequested {
		e.cancelRequested = true
		e.cancel()
		e.grace = time.AfterFunc(m.cancelGrace, func() { m.forceCancel(e) })
		m.logger.Info("jobs.cancel.requested", "job_id", id, "grace_ms", m.cancelGrace.Milliseconds())
	}
	e.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

// Recover marks jobs left queued or running by a previous process as failed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	jobs, err := m.store.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.State.Terminal() || m.lookup(j.ID) != nil {
			continue
		}
		now := time.Now().UTC()
		from := j.State
		j.State = constants.JobFailed
		j.Error = &common.Detail{Code: common.CodeInternal, Message: "interrupted by process restart"}
		j.FinishedAt = &now
		j.UpdatedAt = now
		if err := m.store.Save(ctx, j); err != nil {
			return n, fmt.Errorf("recover job %s: %w", j.ID, err)
		}
		m.notify(j.Kind, from, constants.JobFailed)
		n++
	}
	if n > 0 {
		m.logger.Warn("jobs.recover", "orphaned", n)
	}
	return n, nil
}

// Shutdown stops accepting work, cancels queued and running jobs and waits for
// the workers to return or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.ch)
	live := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		live = append(live, e)
	}
	m.mu.Unlock()

	for _, e := range live {
		e.mu.Lock()
		switch e.job.State {
		case constants.JobQueued:
			m.finish(e, constants.JobCanceled, nil, common.NewCancelledError("service shutting down", nil))
		case constants.JobRunning:
			e.cancelRequested = true
			e.cancel()
		}
		e.mu.Unlock()
	}

	done := make(chan struct{})
	go func() { defer close(done); m.wg.Wait() }()

	select {
	case <-ctx.Done():
		m.logger.Warn("jobs.shutdown.interrupted")
	case <-done:
		m.logger.Info("jobs.shutdown.ok")
	}
}

func (m *Manager) run(workerID int, e *entry) {
	e.mu.Lock()
	if e.job.State != constants.JobQueued {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = common.WithJobID(ctx, e.job.ID)
	e.cancel = cancel
	now := time.Now().UTC()
	e.job.StartedAt = &now
	m.transition(e, constants.JobRunning)
	m.persist(e.job)
	work := e.work
	e.mu.Unlock()

	m.logger.Info("jobs.run.start", "job_id", e.job.ID, "kind", e.job.Kind, "worker_id", workerID)
	start := time.Now()
	result, err := m.invoke(ctx, work, &Progress{m: m, e: e})
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grace != nil {
		e.grace.Stop()
	}
	if e.job.State.Terminal() {
		// Already forced to canceled; the late result is dropped.
		m.logger.Warn("jobs.run.late_return", "job_id", e.job.ID, "elapsed_ms", time.Since(start).Milliseconds())
		return
	}
	switch {
	case e.cancelRequested:
		if err == nil || !common.IsCancellation(err) {
			err = common.NewCancelledError("job canceled", err)
		}
		m.finish(e, constants.JobCanceled, result, err)
	case err != nil:
		m.finish(e, constants.JobFailed, result, err)
	default:
		m.finish(e, constants.JobSucceeded, result, nil)
	}
	m.logger.Info("jobs.run.done",
		"job_id", e.job.ID,
		"state", e.job.State,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

func (m *Manager) invoke(ctx context.Context, work Work, p *Progress) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.NewAppError(common.CodeInternal, "job panicked", fmt.Errorf("%v", r))
		}
	}()
	return work(ctx, p)
}

func (m *Manager) forceCancel(e *entry) {
	e.mu.Lock()
	if e.job.State.Terminal() {
		e.mu.Unlock()
		return
	}
	m.finish(e, constants.JobCanceled, nil, common.NewCancelledError("cancel grace expired", nil))
	e.mu.Unlock()

	m.logger.Warn("jobs.cancel.forced", "job_id", e.job.ID, "grace_ms", m.cancelGrace.Milliseconds())
	if m.forceStop != nil {
		m.forceStop()
	}
}

// finish moves e to a terminal state. Callers hold e.mu.
func (m *Manager) finish(e *entry, to constants.JobState, result any, err error) {
	if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			m.logger.Error("jobs.result.encode_failed", "job_id", e.job.ID, "error", mErr)
		} else {
			e.job.Result = raw
		}
	}
	e.job.Error = common.DetailOf(err)
	now := time.Now().UTC()
	e.job.FinishedAt = &now
	m.transition(e, to)
	m.persist(e.job)
	close(e.done)
}

func (m *Manager) transition(e *entry, to constants.JobState) {
	from := e.job.State
	e.job.State = to
	e.job.UpdatedAt = time.Now().UTC()
	m.notify(e.job.Kind, from, to)
}

func (m *Manager) notify(kind string, from, to constants.JobState) {
	if m.observer != nil {
		m.observer.JobStateChanged(kind, from, to)
	}
}

func (m *Manager) persist(j Job) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Save(ctx, j); err != nil {
		m.logger.Error("jobs.store.save_failed", "job_id", j.ID, "state", j.State, "error", err)
	}
}

func (m *Manager) lookup(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id]
}

// validateID rejects ids that Submit could never have issued.
func validateID(id string) error {
	return common.ValidateAndReturnError(common.NewValidator().Field("job_id", id, common.UUID))
}
