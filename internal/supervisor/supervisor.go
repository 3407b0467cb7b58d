package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Config describes one supervised inference server.
type Config struct {
	Name           string
	Executable     string
	Args           []string
	ModelPath      string // checked before launch when set
	MMProjPath     string
	BaseURL        string
	HealthInterval time.Duration
	StartupTimeout time.Duration
	StopTimeout    time.Duration
}

func (c Config) validate() error {
	v := common.NewValidator()
	v.Field("name", c.Name, common.Required)
	v.Field("executable", c.Executable, common.Required)
	v.Field("base_url", c.BaseURL, common.Required)
	v.Field("health_interval", c.HealthInterval, common.PositiveDuration)
	v.Field("startup_timeout", c.StartupTimeout, common.PositiveDuration)
	v.Field("stop_timeout", c.StopTimeout, common.PositiveDuration)
	if v.HasErrors() {
		return common.NewConfigurationError(v.ErrorMessage(), nil)
	}
	return nil
}

// Status is a point-in-time view of a supervisor.
type Status struct {
	Name      string                `json:"name"`
	State     constants.ServerState `json:"state"`
	PID       int                   `json:"pid,omitempty"`
	BaseURL   string                `json:"base_url"`
	ModelPath string                `json:"model_path,omitempty"`
	StartedAt time.Time             `json:"started_at,omitempty"`
	Launches  int                   `json:"launches"`
	LastError string                `json:"last_error,omitempty"`
}

// StateObserver is notified after every state transition.
type StateObserver func(name string, state constants.ServerState)

type Option func(*Supervisor)

func WithStateObserver(fn StateObserver) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

// Supervisor owns one backend subprocess. Lifecycle transitions are
// serialized by lifecycle; mu guards the fields read by IsReady and Status.
type Supervisor struct {
	launcher  Launcher
	checker   HealthChecker
	logger    *slog.Logger
	observers []StateObserver

	lifecycle sync.Mutex

	mu          sync.RWMutex
	cfg         Config
	state       constants.ServerState
	proc        Process
	startedAt   time.Time
	launches    int
	lastErr     error
	startCancel context.CancelFunc
	// killed is the process Kill targeted; its exit always settles to stopped.
	killed Process
}

func New(cfg Config, launcher Launcher, checker HealthChecker, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if launcher == nil {
		launcher = ExecLauncher{Logger: logger}
	}
	if checker == nil {
		checker = NewHTTPHealthChecker(logger)
	}
	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		checker:  checker,
		logger:   logger.With("backend", cfg.Name),
		state:    constants.ServerStopped,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Supervisor) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Name
}

// Endpoint is the base URL clients should talk to.
func (s *Supervisor) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.BaseURL
}

func (s *Supervisor) State() constants.ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsReady never blocks on an in-progress transition.
func (s *Supervisor) IsReady() bool {
	return s.State() == constants.ServerReady
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Name:      s.cfg.Name,
		State:     s.state,
		BaseURL:   s.cfg.BaseURL,
		ModelPath: s.cfg.ModelPath,
		StartedAt: s.startedAt,
		Launches:  s.launches,
	}
	if s.proc != nil {
		st.PID = s.proc.Pid()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Start launches the backend and waits until it reports healthy. It is a
// no-op while ready. A timeout <= 0 uses the configured startup timeout.
func (s *Supervisor) Start(ctx context.Context, timeout time.Duration) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	state, cfg := s.state, s.cfg
	s.mu.RUnlock()

	if state == constants.ServerStopping && s.settleExited() {
		state = constants.ServerStopped
	}
	switch state {
	case constants.ServerReady:
		s.logger.Debug("supervisor.start.noop")
		return nil
	case constants.ServerStopped, constants.ServerCrashed:
	default:
		return common.NewInvalidStateError(fmt.Sprintf("cannot start %s while %s", cfg.Name, state))
	}
	if timeout <= 0 {
		timeout = cfg.StartupTimeout
	}

	if err := checkArtifacts(cfg); err != nil {
		s.fail(constants.ServerStopped, err)
		return err
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.startCancel = nil
		s.mu.Unlock()
	}()

	s.setState(constants.ServerStarting)
	begin := time.Now()
	s.logger.Info("supervisor.start", "executable", cfg.Executable, "args", strings.Join(cfg.Args, " "), "timeout", timeout)

	proc, err := s.launcher.Launch(startCtx, cfg.Executable, cfg.Args...)
	if err != nil {
		launchErr := common.NewProcessLaunchError("launch "+cfg.Name, err)
		s.fail(constants.ServerStopped, launchErr)
		s.logger.Error("supervisor.start.launch_failed", "error", err)
		return launchErr
	}

	s.mu.Lock()
	s.proc = proc
	s.launches++
	s.startedAt = time.Now()
	s.mu.Unlock()
	go s.watch(proc)

	if err := s.awaitHealthy(startCtx, proc, cfg, timeout); err != nil {
		s.clearProc(proc)
		s.fail(constants.ServerStopped, err)
		s.logger.Error("supervisor.start.failed", "error", err, "elapsed_ms", time.Since(begin).Milliseconds())
		return err
	}

	s.setState(constants.ServerReady)
	s.logger.Info("supervisor.start.ok", "pid", proc.Pid(), "elapsed_ms", time.Since(begin).Milliseconds())
	return nil
}

func (s *Supervisor) awaitHealthy(ctx context.Context, proc Process, cfg Config, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.HealthInterval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.HealthInterval+time.Second)
		healthy, perr := s.checker.Check(checkCtx, cfg.BaseURL)
		cancel()
		if healthy {
			return nil
		}
		if perr != nil {
			s.logger.Debug("supervisor.health.pending", "error", perr)
		}

		select {
		case <-proc.Done():
			s.clearProc(proc)
			return common.NewProcessLaunchError(
				fmt.Sprintf("%s exited during startup", cfg.Name),
				fmt.Errorf("%v; output: %s", proc.Err(), lastLines(proc.Output(), 20)),
			)
		case <-ctx.Done():
			s.reap(proc, cfg.StopTimeout)
			return common.NewCancelledError("start "+cfg.Name+" interrupted", ctx.Err())
		case <-deadline.C:
			s.reap(proc, cfg.StopTimeout)
			return common.NewStartupTimeoutError(
				fmt.Sprintf("%s not healthy after %s", cfg.Name, timeout), perr)
		case <-ticker.C:
		}
	}
}

// Stop terminates the backend, escalating to a kill after timeout. A timeout
// <= 0 uses the configured stop timeout. Stopping interrupts a start in progress.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.RLock()
	if s.startCancel != nil {
		s.startCancel()
	}
	s.mu.RUnlock()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	state, proc, cfg := s.state, s.proc, s.cfg
	s.mu.RUnlock()

	if timeout <= 0 {
		timeout = cfg.StopTimeout
	}

	switch state {
	case constants.ServerStopped:
		return nil
	case constants.ServerCrashed:
		s.clearProc(proc)
		s.setState(constants.ServerStopped)
		return nil
	}
	if proc == nil {
		s.setState(constants.ServerStopped)
		return nil
	}

	s.setState(constants.ServerStopping)
	begin := time.Now()
	if err := proc.Terminate(); err != nil {
		s.logger.Warn("supervisor.stop.terminate_error", "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		s.logger.Warn("supervisor.stop.kill", "timeout", timeout)
		s.reap(proc, timeout)
	case <-ctx.Done():
		s.logger.Warn("supervisor.stop.kill", "reason", ctx.Err())
		s.reap(proc, timeout)
	}

	s.clearProc(proc)
	s.setState(constants.ServerStopped)
	s.logger.Info("supervisor.stop.ok", "elapsed_ms", time.Since(begin).Milliseconds())
	return nil
}

// Kill force-stops the process without waiting for the lifecycle lock.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	if s.startCancel != nil {
		s.startCancel()
	}
	proc := s.proc
	s.killed = proc
	if proc != nil && s.state == constants.ServerReady {
		s.state = constants.ServerStopping
	}
	s.mu.Unlock()

	if proc == nil {
		return
	}
	s.logger.Warn("supervisor.kill", "pid", proc.Pid())
	if err := proc.Kill(); err != nil {
		s.logger.Error("supervisor.kill.failed", "error", err)
	}
}

// Reconfigure swaps the launch configuration. Only allowed while stopped or crashed.
func (s *Supervisor) Reconfigure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != constants.ServerStopped && s.state != constants.ServerCrashed {
		return common.NewInvalidStateError(fmt.Sprintf("cannot reconfigure %s while %s", s.cfg.Name, s.state))
	}
	s.cfg = cfg
	s.logger.Info("supervisor.reconfigured", "model", cfg.ModelPath)
	return nil
}

// watch flips ready to crashed when the process exits unexpectedly.
func (s *Supervisor) watch(proc Process) {
	<-proc.Done()

	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		return
	}
	var notify constants.ServerState
	switch s.state {
	case constants.ServerReady:
		s.state = constants.ServerCrashed
		s.lastErr = fmt.Errorf("process exited unexpectedly: %v", proc.Err())
		notify = s.state
	case constants.ServerStopping:
		// A Stop in progress owns its own transition; a Kill does not.
		if s.killed == proc {
			s.state = constants.ServerStopped
			s.proc = nil
			s.killed = nil
			notify = s.state
		}
	}
	s.mu.Unlock()

	if notify == constants.ServerCrashed {
		s.logger.Error("supervisor.crashed", "pid", proc.Pid(), "error", proc.Err(), "output", lastLines(proc.Output(), 20))
	}
	if notify != "" {
		s.notify(notify)
	}
}

// settleExited moves a stopping supervisor whose process already exited to
// stopped. Callers hold the lifecycle lock.
func (s *Supervisor) settleExited() bool {
	s.mu.Lock()
	if s.state != constants.ServerStopping {
		s.mu.Unlock()
		return false
	}
	if s.proc != nil {
		select {
		case <-s.proc.Done():
		default:
			s.mu.Unlock()
			return false
		}
	}
	s.state = constants.ServerStopped
	s.proc = nil
	s.killed = nil
	s.mu.Unlock()
	s.logger.Warn("supervisor.stopping.settled")
	s.notify(constants.ServerStopped)
	return true
}

func (s *Supervisor) reap(proc Process, wait time.Duration) {
	if err := proc.Kill(); err != nil {
		s.logger.Warn("supervisor.kill.failed", "error", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(wait):
		s.logger.Error("supervisor.kill.unreaped", "pid", proc.Pid())
	}
}

func (s *Supervisor) clearProc(proc Process) {
	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) setState(state constants.ServerState) {
	s.mu.Lock()
	s.state = state
	if state == constants.ServerReady {
		s.lastErr = nil
	}
	s.mu.Unlock()
	s.notify(state)
}

func (s *Supervisor) fail(state constants.ServerState, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.mu.Unlock()
	s.notify(state)
}

func (s *Supervisor) notify(state constants.ServerState) {
	name := s.Name()
	for _, fn := range s.observers {
		fn(name, state)
	}
}

func checkArtifacts(cfg Config) error {
	for _, p := range []string{cfg.ModelPath, cfg.MMProjPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return common.NewProcessLaunchError("model artifact missing: "+p, err)
			}
			return common.NewProcessLaunchError("model artifact unreadable: "+p, err)
		}
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
