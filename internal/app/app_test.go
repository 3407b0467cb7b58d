package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/jobs"
	"github.com/joseph-ayodele/essay-pipeline/internal/kvstore"
	"github.com/joseph-ayodele/essay-pipeline/internal/llm"
	"github.com/joseph-ayodele/essay-pipeline/internal/models"
	"github.com/joseph-ayodele/essay-pipeline/internal/supervisor"
)

type fakeProcess struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }
func (p *fakeProcess) Output() string        { return "" }
func (p *fakeProcess) Terminate() error      { p.once.Do(func() { close(p.done) }); return nil }
func (p *fakeProcess) Kill() error           { return p.Terminate() }

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	args     [][]string
}

func (l *fakeLauncher) Launch(_ context.Context, _ string, args ...string) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	l.args = append(l.args, args)
	return &fakeProcess{pid: 100 + l.launches, done: make(chan struct{})}, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

type readyChecker struct{}

func (readyChecker) Check(context.Context, string) (bool, error) { return true, nil }

// scriptedLLM answers each stage by recognising its system prompt.
type scriptedLLM struct {
	block chan struct{}
}

func (s *scriptedLLM) Call(ctx context.Context, req llm.Request, _ time.Duration) (llm.Response, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return llm.Response{}, common.NewCancelledError("request aborted", ctx.Err())
		}
	}
	system, user := req.Messages[0].Text, req.Messages[len(req.Messages)-1].Text
	var content string
	switch {
	case strings.Contains(system, "student_name"):
		paras := strings.Split(user, "\n\n")
		b, _ := json.Marshal(map[string]string{
			"student_name": paras[0],
			"essay_title":  paras[1],
			"essay":        strings.Join(paras[2:], "\n\n"),
		})
		content = string(b)
	case strings.Contains(system, "Correct the grammar"):
		content = user
	case strings.Contains(system, "topic sentence is usually"):
		content = `{"learner_topic_sentence":"x","good_topic_sentence":"y","feedback":"z"}`
	default:
		content = "Looks good."
	}
	return llm.Response{Content: content, Usage: llm.Usage{PromptTokens: 4, CompletionTokens: 2}}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	cfg := common.LoadConfig()
	dir := t.TempDir()
	cfg.Store.Driver = "memory"
	cfg.Pipeline.InputRoot = filepath.Join(dir, "in")
	cfg.Pipeline.OutputRoot = filepath.Join(dir, "checked")
	cfg.Pipeline.Concurrency = 2
	cfg.LLM.ModelPath = ""
	cfg.LLM.HealthInterval = 5 * time.Millisecond
	cfg.LLM.StartupTimeout = time.Second
	cfg.LLM.StopTimeout = 100 * time.Millisecond
	cfg.OCR.Enabled = false
	cfg.Jobs.CancelGrace = 200 * time.Millisecond
	return cfg
}

func writeEssays(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		body := "Student " + name + "\n\nMy Essay\n\nIntro sentence. Another one.\n\n" +
			"Body paragraph here. It argues.\n\nFinal thoughts. The end."
		path := filepath.Join(root, name, "essay.txt")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestApp(t *testing.T, cfg *common.Config, caller *scriptedLLM, opts ...Option) (*App, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	opts = append([]Option{
		WithLauncher(launcher),
		WithHealthChecker(readyChecker{}),
		WithCallers(caller, nil),
	}, opts...)
	a, err := New(context.Background(), cfg, quiet(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, launcher
}

func TestRunWritesArtifactsAndReport(t *testing.T) {
	cfg := testConfig(t)
	writeEssays(t, cfg.Pipeline.InputRoot, "alice", "bob")
	a, launcher := newTestApp(t, cfg, &scriptedLLM{})

	res, err := a.Run(context.Background(), RunRequest{Report: true}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report.State != constants.RunCompleted || len(res.Report.Documents) != 2 {
		t.Fatalf("report = %+v", res.Report)
	}
	if res.Discovery.Matched != 2 {
		t.Fatalf("discovery = %+v", res.Discovery)
	}
	if _, err := os.Stat(res.ReportPath); err != nil {
		t.Fatalf("report not written: %v", err)
	}
	for _, d := range res.Report.Documents {
		p := filepath.Join(cfg.Pipeline.OutputRoot, d.ID+".summarize.json")
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing artifact %s", p)
		}
	}
	if launcher.count() != 1 {
		t.Fatalf("launches = %d, want 1", launcher.count())
	}
}

func TestSubmitRunJobSucceeds(t *testing.T) {
	cfg := testConfig(t)
	writeEssays(t, cfg.Pipeline.InputRoot, "alice")
	a, _ := newTestApp(t, cfg, &scriptedLLM{})

	id, err := a.SubmitRun(context.Background(), RunRequest{Stages: []constants.Stage{constants.StagePreparation, constants.StageMetadata}})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	job := waitJob(t, a, id, constants.JobSucceeded)
	var res RunResult
	if err := json.Unmarshal(job.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Report.Stages) != 2 || job.Progress.Completed != job.Progress.Total || job.Progress.Total != 2 {
		t.Fatalf("job = %+v, stages = %d", job, len(res.Report.Stages))
	}
}

func TestCancelRunningJob(t *testing.T) {
	cfg := testConfig(t)
	writeEssays(t, cfg.Pipeline.InputRoot, "alice")
	caller := &scriptedLLM{block: make(chan struct{})}
	a, _ := newTestApp(t, cfg, caller)

	id, err := a.SubmitRun(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	waitJob(t, a, id, constants.JobRunning)
	job, err := a.CancelJob(context.Background(), id)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if job.State != constants.JobCanceled {
		t.Fatalf("state = %s", job.State)
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg, &scriptedLLM{})

	if _, err := a.SubmitRun(context.Background(), RunRequest{Stages: []constants.Stage{"spelling"}}); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("unknown stage err = %v", err)
	}
	if _, err := a.Run(context.Background(), RunRequest{}, nil); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("missing input root err = %v", err)
	}
	if err := os.MkdirAll(cfg.Pipeline.InputRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Run(context.Background(), RunRequest{}, nil); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("empty input root err = %v", err)
	}
}

func TestBackendLifecycle(t *testing.T) {
	cfg := testConfig(t)
	a, launcher := newTestApp(t, cfg, &scriptedLLM{})
	ctx := context.Background()

	st, err := a.StartBackend(ctx, constants.BackendLLM)
	if err != nil || st.State != constants.ServerReady {
		t.Fatalf("StartBackend = %+v, %v", st, err)
	}
	if h := a.Health(); h.Backends[constants.BackendLLM] != constants.ServerReady {
		t.Fatalf("health = %+v", h)
	}
	st, err = a.StopBackend(ctx, constants.BackendLLM)
	if err != nil || st.State != constants.ServerStopped {
		t.Fatalf("StopBackend = %+v, %v", st, err)
	}
	if _, err := a.StartBackend(ctx, constants.BackendOCR); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("disabled ocr err = %v", err)
	}
	if launcher.count() != 1 {
		t.Fatalf("launches = %d", launcher.count())
	}
}

func TestSwitchModelRestartsReadyBackend(t *testing.T) {
	cfg := testConfig(t)
	modelDir := t.TempDir()
	for _, f := range []string{"small.gguf", "large.gguf"} {
		if err := os.WriteFile(filepath.Join(modelDir, f), []byte("gguf"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	catalog, err := models.ParseCatalog([]byte(`
models:
  - {key: small, kind: llm, path: small.gguf, min_ram_gb: 4}
  - {key: large, kind: llm, path: large.gguf, min_ram_gb: 64}
`), modelDir)
	if err != nil {
		t.Fatal(err)
	}
	sel := models.NewSelection(kvstore.NewMemoryStore(), catalog, models.Hardware{TotalRAMGB: 16}, quiet())
	a, launcher := newTestApp(t, cfg, &scriptedLLM{}, WithSelection(sel))
	ctx := context.Background()

	// No explicit model path: the recommendation is applied.
	st, err := a.StartBackend(ctx, constants.BackendLLM)
	if err != nil || st.ModelPath != filepath.Join(modelDir, "small.gguf") {
		t.Fatalf("start = %+v, %v", st, err)
	}

	if _, err := a.SwitchModel(ctx, constants.BackendLLM, "large"); err != nil {
		t.Fatalf("SwitchModel: %v", err)
	}
	st = a.BackendStatus()[0]
	if st.State != constants.ServerReady || st.ModelPath != filepath.Join(modelDir, "large.gguf") {
		t.Fatalf("after switch = %+v", st)
	}
	if launcher.count() != 2 {
		t.Fatalf("launches = %d, want 2", launcher.count())
	}

	choices, err := a.ListModels(ctx, constants.BackendLLM)
	if err != nil || len(choices) != 2 || !choices[1].Selected {
		t.Fatalf("ListModels = %+v, %v", choices, err)
	}
	if _, err := a.SwitchModel(ctx, constants.BackendLLM, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("unknown model err = %v", err)
	}
}

func waitJob(t *testing.T, a *App, id string, want constants.JobState) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := a.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if j.State == want {
			return j
		}
		if j.State.Terminal() {
			t.Fatalf("job ended %s (%+v), want %s", j.State, j.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s", id, want)
	return jobs.Job{}
}

func TestBootstrapPersistsModelSelection(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"small.gguf", "large.gguf"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("gguf"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	catalogPath := filepath.Join(dir, "models.yaml")
	catalog := "models:\n" +
		"  - {key: small, kind: llm, path: small.gguf, min_ram_gb: 0.5}\n" +
		"  - {key: large, kind: llm, path: large.gguf, min_ram_gb: 1024}\n"
	if err := os.WriteFile(catalogPath, []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}

	open := func() (*App, *[]constants.ServerState) {
		cfg := testConfig(t)
		cfg.Models.CatalogPath = catalogPath
		cfg.Models.StatePath = filepath.Join(dir, "state", "selection.db")
		var mu sync.Mutex
		seen := &[]constants.ServerState{}
		a, err := Bootstrap(context.Background(), cfg, quiet(),
			WithLauncher(&fakeLauncher{}),
			WithHealthChecker(readyChecker{}),
			WithCallers(&scriptedLLM{}, nil),
			WithBackendObserver(func(_ string, s constants.ServerState) {
				mu.Lock()
				*seen = append(*seen, s)
				mu.Unlock()
			}),
		)
		if err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}
		return a, seen
	}
	ctx := context.Background()

	a, seen := open()
	if _, err := a.SwitchModel(ctx, constants.BackendLLM, "large"); err != nil {
		t.Fatalf("SwitchModel: %v", err)
	}
	if _, err := a.StartBackend(ctx, constants.BackendLLM); err != nil {
		t.Fatalf("StartBackend: %v", err)
	}
	if len(*seen) == 0 || (*seen)[len(*seen)-1] != constants.ServerReady {
		t.Fatalf("observed states = %v", *seen)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, _ := open()
	defer func() { _ = b.Close(ctx) }()
	st, err := b.StartBackend(ctx, constants.BackendLLM)
	if err != nil || st.ModelPath != filepath.Join(dir, "large.gguf") {
		t.Fatalf("after reopen = %+v, %v", st, err)
	}
}
