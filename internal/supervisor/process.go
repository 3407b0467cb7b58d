package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Process is a launched backend. Done is closed once the process has exited.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Err() error
	Terminate() error
	Kill() error
	Output() string
}

// Launcher lets us stub the backend executable in tests.
type Launcher interface {
	Launch(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecLauncher starts real subprocesses.
type ExecLauncher struct {
	Dir    string
	Env    []string
	Logger *slog.Logger
}

func (l ExecLauncher) Launch(_ context.Context, name string, args ...string) (Process, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("executable %q not found: %w", name, err)
	}

	// The process outlives the caller's context; lifetime is owned by the Supervisor.
	cmd := exec.Command(path, args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = l.Env
	}
	tail := &tailBuffer{max: 8 << 10}
	cmd.Stdout = tail
	cmd.Stderr = tail

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error("exec failed", "cmd", name, "args", strings.Join(args, " "), "error", err)
		return nil, err
	}
	logger.Debug("exec started", "cmd", name, "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

	p := &execProcess{cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		logger.Debug("exec exited",
			"cmd", name,
			"pid", cmd.Process.Pid,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", p.err,
		)
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	tail *tailBuffer
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Output() string        { return p.tail.String() }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Terminate asks the process to exit; platforms without SIGTERM get a kill.
func (p *execProcess) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	switch {
	case err == nil, errors.Is(err, os.ErrProcessDone):
		return nil
	default:
		return p.Kill()
	}
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
