package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

func waitState(t *testing.T, m *Manager, id string, want constants.JobState) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := m.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := m.Get(context.Background(), id)
	t.Fatalf("job %s state = %s, want %s", id, j.State, want)
	return Job{}
}

type recordingObserver struct {
	transitions atomic.Int32
}

func (o *recordingObserver) JobStateChanged(string, constants.JobState, constants.JobState) {
	o.transitions.Add(1)
}

func TestManagerSucceeds(t *testing.T) {
	obs := &recordingObserver{}
	m := NewManager(NewMemoryStore(), nil, WithObserver(obs))
	defer m.Shutdown(context.Background())

	id, err := m.Submit(context.Background(), "pipeline", func(ctx context.Context, p *Progress) (any, error) {
		if common.JobIDFromContext(ctx) == "" {
			return nil, errors.New("missing job id in context")
		}
		p.Update("metadata", 1, 2, "")
		p.Update("metadata", 2, 2, "")
		return map[string]int{"documents": 2}, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	j := waitState(t, m, id, constants.JobSucceeded)
	if j.Progress.Completed != 2 || j.Progress.Total != 2 {
		t.Fatalf("progress = %+v", j.Progress)
	}
	var res map[string]int
	if err := json.Unmarshal(j.Result, &res); err != nil || res["documents"] != 2 {
		t.Fatalf("result = %s (%v)", j.Result, err)
	}
	if j.StartedAt == nil || j.FinishedAt == nil {
		t.Fatalf("timestamps not set: %+v", j)
	}
	// queued, running, succeeded
	if got := obs.transitions.Load(); got != 3 {
		t.Fatalf("observed %d transitions, want 3", got)
	}
}

func TestManagerFailureCarriesDetail(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	defer m.Shutdown(context.Background())

	id, _ := m.Submit(context.Background(), "pipeline", func(context.Context, *Progress) (any, error) {
		return nil, common.NewStartupTimeoutError("llm not ready", nil)
	})
	j := waitState(t, m, id, constants.JobFailed)
	if j.Error == nil || j.Error.Code != common.CodeStartupTimeout {
		t.Fatalf("error = %+v", j.Error)
	}
}

func TestManagerPanicIsFailure(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	defer m.Shutdown(context.Background())

	id, _ := m.Submit(context.Background(), "pipeline", func(context.Context, *Progress) (any, error) {
		panic("boom")
	})
	j := waitState(t, m, id, constants.JobFailed)
	if j.Error == nil || j.Error.Code != common.CodeInternal {
		t.Fatalf("error = %+v", j.Error)
	}
}

func TestCancelQueuedNeverRuns(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil, WithWorkers(1))
	defer m.Shutdown(context.Background())

	release := make(chan struct{})
	blocker, _ := m.Submit(context.Background(), "block", func(ctx context.Context, _ *Progress) (any, error) {
		<-release
		return nil, nil
	})
	waitState(t, m, blocker, constants.JobRunning)

	var ran atomic.Bool
	id, _ := m.Submit(context.Background(), "pipeline", func(context.Context, *Progress) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	j, err := m.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if j.State != constants.JobCanceled {
		t.Fatalf("state = %s, want canceled", j.State)
	}

	close(release)
	waitState(t, m, blocker, constants.JobSucceeded)
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatal("canceled job ran")
	}
}

func TestCancelRunningAcknowledged(t *testing.T) {
	var forced atomic.Bool
	m := NewManager(NewMemoryStore(), nil,
		WithCancelGrace(2*time.Second),
		WithForceStop(func() { forced.Store(true) }),
	)
	defer m.Shutdown(context.Background())

	started := make(chan struct{})
	id, _ := m.Submit(context.Background(), "pipeline", func(ctx context.Context, _ *Progress) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, common.NewCancelledError("run cancelled", ctx.Err())
	})
	<-started

	j, err := m.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if j.State != constants.JobCanceled {
		t.Fatalf("state = %s, want canceled", j.State)
	}
	if j.Error == nil || j.Error.Code != common.CodeCancelled {
		t.Fatalf("error = %+v", j.Error)
	}
	if forced.Load() {
		t.Fatal("force stop called for an acknowledged cancel")
	}
}

func TestCancelRunningForcedAfterGrace(t *testing.T) {
	forced := make(chan struct{}, 1)
	m := NewManager(NewMemoryStore(), nil,
		WithCancelGrace(30*time.Millisecond),
		WithForceStop(func() { forced <- struct{}{} }),
	)

	stuck := make(chan struct{})
	started := make(chan struct{})
	id, _ := m.Submit(context.Background(), "pipeline", func(context.Context, *Progress) (any, error) {
		close(started)
		<-stuck
		return "late", nil
	})
	<-started

	j, err := m.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if j.State != constants.JobCanceled {
		t.Fatalf("state = %s, want canceled", j.State)
	}
	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Fatal("force stop not called")
	}

	close(stuck)
	m.Shutdown(context.Background())
	j, _ = m.Get(context.Background(), id)
	if j.State != constants.JobCanceled || j.Result != nil {
		t.Fatalf("late return changed the job: %+v", j)
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	defer m.Shutdown(context.Background())

	id, _ := m.Submit(context.Background(), "pipeline", func(context.Context, *Progress) (any, error) {
		return "done", nil
	})
	waitState(t, m, id, constants.JobSucceeded)

	j, err := m.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if j.State != constants.JobSucceeded {
		t.Fatalf("state = %s, want succeeded", j.State)
	}
}

func TestUnknownJob(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	defer m.Shutdown(context.Background())

	unknown := uuid.NewString()
	if _, err := m.Get(context.Background(), unknown); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("Get err = %v, want not found", err)
	}
	if _, err := m.Cancel(context.Background(), unknown); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("Cancel err = %v, want not found", err)
	}
}

func TestMalformedJobID(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	defer m.Shutdown(context.Background())

	for _, id := range []string{"", "nope", "../jobs"} {
		if _, err := m.Get(context.Background(), id); !errors.Is(err, common.ErrInvalidInput) {
			t.Errorf("Get(%q) err = %v, want invalid input", id, err)
		}
		if _, err := m.Cancel(context.Background(), id); !errors.Is(err, common.ErrInvalidInput) {
			t.Errorf("Cancel(%q) err = %v, want invalid input", id, err)
		}
	}
}

func TestSubmitQueueFull(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil, WithWorkers(1), WithQueueSize(1))
	release := make(chan struct{})
	defer func() {
		close(release)
		m.Shutdown(context.Background())
	}()

	block := func(ctx context.Context, _ *Progress) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}
	first, _ := m.Submit(context.Background(), "block", block)
	waitState(t, m, first, constants.JobRunning)
	if _, err := m.Submit(context.Background(), "block", block); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if _, err := m.Submit(context.Background(), "block", block); !errors.Is(err, common.ErrInvalidState) {
		t.Fatalf("third Submit err = %v, want invalid state", err)
	}
}

func TestProgressMonotonic(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	defer m.Shutdown(context.Background())

	id, _ := m.Submit(context.Background(), "pipeline", func(_ context.Context, p *Progress) (any, error) {
		p.Update("preparation", 3, 10, "")
		p.Update("preparation", 1, 10, "")
		p.Update("metadata", 5, 20, "")
		p.Update("metadata", 50, 0, "")
		return nil, nil
	})
	j := waitState(t, m, id, constants.JobSucceeded)
	if j.Progress.Total != 10 || j.Progress.Completed != 10 || j.Progress.Stage != "metadata" {
		t.Fatalf("progress = %+v", j.Progress)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	m.Shutdown(context.Background())
	if _, err := m.Submit(context.Background(), "pipeline", func(context.Context, *Progress) (any, error) {
		return nil, nil
	}); !errors.Is(err, common.ErrInvalidState) {
		t.Fatalf("err = %v, want invalid state", err)
	}
}

func TestRecoverMarksOrphans(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	orphan, finished := uuid.NewString(), uuid.NewString()
	_ = store.Save(context.Background(), Job{ID: orphan, Kind: "pipeline", State: constants.JobRunning, CreatedAt: now})
	_ = store.Save(context.Background(), Job{ID: finished, Kind: "pipeline", State: constants.JobSucceeded, CreatedAt: now})

	m := NewManager(store, nil)
	defer m.Shutdown(context.Background())
	n, err := m.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	j, _ := m.Get(context.Background(), orphan)
	if j.State != constants.JobFailed || j.Error == nil {
		t.Fatalf("orphan = %+v", j)
	}
}
