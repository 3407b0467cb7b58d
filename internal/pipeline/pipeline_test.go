package pipeline

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
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/extract"
	"github.com/joseph-ayodele/essay-pipeline/internal/llm"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeLLM answers by system prompt the way a cooperative model would.
type fakeLLM struct {
	mu     sync.Mutex
	calls  map[string]int
	before func(system, user string) error
}

func newFakeLLM() *fakeLLM { return &fakeLLM{calls: map[string]int{}} }

func (f *fakeLLM) count(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[system]
}

func (f *fakeLLM) Call(ctx context.Context, req llm.Request, _ time.Duration) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, common.NewCancelledError("request aborted", err)
	}
	system, user := req.Messages[0].Text, req.Messages[len(req.Messages)-1].Text
	f.mu.Lock()
	f.calls[system]++
	f.mu.Unlock()
	if f.before != nil {
		if err := f.before(system, user); err != nil {
			return llm.Response{}, err
		}
	}

	var content string
	switch system {
	case metadataPrompt:
		paras := strings.Split(user, "\n\n")
		b, _ := json.Marshal(map[string]string{
			"student_name": paras[0],
			"essay_title":  paras[1],
			"essay":        strings.Join(paras[2:], "\n\n"),
		})
		content = "```json\n" + string(b) + "\n```"
	case gedPrompt:
		content = strings.ReplaceAll(user, "teh", "the")
	case topicPrompt:
		b, _ := json.Marshal(map[string]string{
			"learner_topic_sentence": extract.SplitSentences(user)[0],
			"good_topic_sentence":    "A sharper topic sentence.",
			"feedback":               "Make the controlling idea explicit.",
		})
		content = string(b)
	default:
		content = "Feedback on: " + user
	}
	return llm.Response{Content: content, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

type fakeBackend struct {
	mu       sync.Mutex
	state    constants.ServerState
	starts   int
	stops    int
	startErr error

	startTimeouts []time.Duration
	stopTimeouts  []time.Duration
}

func newFakeBackend() *fakeBackend { return &fakeBackend{state: constants.ServerStopped} }

func (b *fakeBackend) Start(_ context.Context, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	b.startTimeouts = append(b.startTimeouts, timeout)
	if b.startErr != nil {
		b.state = constants.ServerStopped
		return b.startErr
	}
	b.state = constants.ServerReady
	return nil
}

func (b *fakeBackend) Stop(_ context.Context, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	b.stopTimeouts = append(b.stopTimeouts, timeout)
	b.state = constants.ServerStopped
	return nil
}

func (b *fakeBackend) IsReady() bool { return b.State() == constants.ServerReady }

func (b *fakeBackend) State() constants.ServerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBackend) crash() {
	b.mu.Lock()
	b.state = constants.ServerCrashed
	b.mu.Unlock()
}

func essay(conclusion string) string {
	return "Ada Lovelace\n\nOn Engines\n\n" +
		"Engines are teh future. They change work.\n\n" +
		"First body paragraph. It has ideas.\n\n" +
		"Second body paragraph. It compares things.\n\n" +
		conclusion
}

func writeDocs(t *testing.T, dir string, files map[string]string) []*DocumentUnit {
	t.Helper()
	var docs []*DocumentUnit
	for _, name := range sortedKeys(files) {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			t.Fatal(err)
		}
		docs = append(docs, NewDocumentUnit(path, name, "", constants.KindForExt(filepath.Ext(name))))
	}
	return docs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}

type harness struct {
	llm     *fakeLLM
	llmB    *fakeBackend
	ocrB    *fakeBackend
	store   ArtifactStore
	orch    *Orchestrator
	backend map[string]Backend
}

func newHarness(t *testing.T, store ArtifactStore, maxCorrections int, withOCR bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{llm: newFakeLLM(), llmB: newFakeBackend(), ocrB: newFakeBackend(), store: store}
	deps := Deps{
		LLM:        h.llm,
		Extractor:  extract.NewService(extract.Config{}, nil, quiet()),
		Pipeline:   common.PipelineConfig{Concurrency: 2, MaxCorrections: maxCorrections},
		LLMTimeout: time.Second,
	}
	h.backend = map[string]Backend{constants.BackendLLM: h.llmB}
	if withOCR {
		deps.OCR = h.llm
		h.backend[constants.BackendOCR] = h.ocrB
	}
	orch, err := NewOrchestrator(NewStages(deps), h.backend, store, quiet(), append([]Option{WithStageRetries(1)}, opts...)...)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func TestDocumentIDIsUniquePerPath(t *testing.T) {
	a := DocumentID("/in/class/essay1.docx", "class/essay1.docx")
	b := DocumentID("/in/class/essay2.docx", "class/essay2.docx")
	if a == b {
		t.Fatalf("distinct documents share id %s", a)
	}
	if DocumentID("/in/a b.txt", "a b.txt") == DocumentID("/in/a-b.txt", "a-b.txt") {
		t.Fatal("paths that slug alike must not share an id")
	}
	if DocumentID("/in/class/../class/essay1.docx", "class/essay1.docx") != a {
		t.Fatal("id is not stable")
	}
	if DocumentID("/other/class/essay1.docx", "class/essay1.docx") == a {
		t.Fatal("same relative path under another root must not share an id")
	}
	if !strings.HasPrefix(a, "class-essay1-") {
		t.Fatalf("unexpected id %s", a)
	}
}

func TestFullRunCompletes(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{
		"essay1.txt": essay("In conclusion engines matter. We should study them."),
		"essay2.txt": essay("To conclude, engines are loud."),
	})
	h := newHarness(t, NewMemoryStore(), 5, false)

	var progress []Progress
	report, err := h.orch.Run(context.Background(), docs, RunOptions{Progress: func(p Progress) { progress = append(progress, p) }})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != constants.RunCompleted || len(report.Stages) != len(constants.StageOrder) {
		t.Fatalf("unexpected report: state=%s stages=%d", report.State, len(report.Stages))
	}
	for _, d := range docs {
		for _, stage := range constants.StageOrder {
			r, ok := d.Result(stage)
			if !ok || !r.OK() {
				t.Fatalf("%s %s: %+v", d.ID, stage, r)
			}
		}
	}

	var c Corrected
	if err := loadArtifact(docs[0], constants.StageGED, &c); err != nil {
		t.Fatal(err)
	}
	if len(c.Corrections) != 1 || c.Corrections[0].Corrected != "Engines are the future." {
		t.Fatalf("unexpected corrections %+v", c.Corrections)
	}

	var body BodyFeedback
	if err := loadArtifact(docs[0], constants.StageBody, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Paragraphs) != 2 || body.Paragraphs[1].CompareContrast == "" {
		t.Fatalf("unexpected body feedback %+v", body)
	}

	for _, s := range report.Stages {
		if s.Name == constants.StageBody && s.Tasks != 12 {
			t.Fatalf("expected 12 body tasks, got %d", s.Tasks)
		}
		if s.Name == constants.StageSummarize && (s.CompletionTokens != 10 || s.Succeeded != 2) {
			t.Fatalf("unexpected summarize summary %+v", s)
		}
	}

	last := progress[len(progress)-1]
	if last.Completed != last.Total || last.Total != 2*len(constants.StageOrder) {
		t.Fatalf("unexpected final progress %+v", last)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i].Completed < progress[i-1].Completed {
			t.Fatal("progress went backwards")
		}
	}
}

func TestArtifactsDoNotCollideInSharedDirectory(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{
		"class/essay1.txt": essay("Essay one ends here."),
		"class/essay2.txt": essay("Essay two ends differently."),
	})
	store, err := NewFileStore(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, store, 5, false)
	if _, err := h.orch.Run(context.Background(), docs, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	seen := map[string]string{}
	for _, d := range docs {
		ref, err := store.Get(context.Background(), d.ID, constants.StageConclusion)
		if err != nil {
			t.Fatalf("conclusion for %s: %v", d.ID, err)
		}
		if filepath.Base(ref.Path) != d.ID+".conclusion.json" {
			t.Fatalf("unexpected artifact name %s", ref.Path)
		}
		var cf ConclusionFeedback
		if err := json.Unmarshal(ref.Data, &cf); err != nil {
			t.Fatal(err)
		}
		seen[d.ID] = cf.Paragraph
	}
	if seen[docs[0].ID] == seen[docs[1].ID] {
		t.Fatalf("documents share a conclusion artifact: %v", seen)
	}
}

func TestImageWithoutOCRSkipsDownstream(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{
		"doc2.txt": essay("Doc two ends."),
		"doc3.txt": essay("Doc three ends."),
	})
	img := NewDocumentUnit(filepath.Join(dir, "img1.png"), "img1.png", "", constants.KindImage)
	docs = append([]*DocumentUnit{img}, docs...)

	h := newHarness(t, NewMemoryStore(), 5, false)
	report, err := h.orch.Run(context.Background(), docs, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != constants.RunCompleted {
		t.Fatalf("expected completed, got %s", report.State)
	}

	prep, _ := img.Result(constants.StagePreparation)
	if prep.Status != constants.StageSkipped || prep.Error.Code != common.CodeDependencyMissing {
		t.Fatalf("unexpected preparation result for image: %+v", prep)
	}
	for _, stage := range constants.StageOrder[1:] {
		if r, _ := img.Result(stage); r.Status != constants.StageSkipped {
			t.Fatalf("image %s should be skipped, got %+v", stage, r)
		}
	}
	for _, d := range docs[1:] {
		if r, _ := d.Result(constants.StageMetadata); !r.OK() {
			t.Fatalf("%s metadata: %+v", d.ID, r)
		}
	}
}

func TestBackendTimeoutsResolvePerBackend(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{"doc2.txt": essay("End.")})
	img := NewDocumentUnit(filepath.Join(dir, "img1.png"), "img1.png", "", constants.KindImage)
	docs = append([]*DocumentUnit{img}, docs...)

	h := newHarness(t, NewMemoryStore(), 5, true,
		WithStartupTimeout(7*time.Second),
		WithStopTimeout(4*time.Second),
		WithReleaseOCRAfterPrep(true),
		WithBackendTimeouts(constants.BackendOCR, BackendTimeouts{Startup: 3 * time.Second, Stop: 2 * time.Second}),
	)
	if _, err := h.orch.Run(context.Background(), docs, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	h.ocrB.mu.Lock()
	ocrStarts, ocrStops := h.ocrB.startTimeouts, h.ocrB.stopTimeouts
	h.ocrB.mu.Unlock()
	if len(ocrStarts) == 0 || ocrStarts[0] != 3*time.Second {
		t.Fatalf("ocr start timeouts = %v, want 3s", ocrStarts)
	}
	if len(ocrStops) == 0 || ocrStops[0] != 2*time.Second {
		t.Fatalf("ocr stop timeouts = %v, want 2s", ocrStops)
	}
	h.llmB.mu.Lock()
	llmStarts := h.llmB.startTimeouts
	h.llmB.mu.Unlock()
	if len(llmStarts) == 0 || llmStarts[0] != 7*time.Second {
		t.Fatalf("llm start timeouts = %v, want the 7s default", llmStarts)
	}
}

func TestRunStoresExplanationPerDocument(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{"doc2.txt": essay("Doc two ends.")})
	img := NewDocumentUnit(filepath.Join(dir, "img1.png"), "img1.png", "", constants.KindImage)
	docs = append([]*DocumentUnit{img}, docs...)

	store := NewMemoryStore()
	h := newHarness(t, store, 5, false, WithRunSettings(Setting{Key: "llm_model", Value: "tiny.gguf"}))
	report, err := h.orch.Run(context.Background(), docs, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	load := func(id string) Explanation {
		t.Helper()
		ref, err := store.Get(context.Background(), id, constants.ArtifactExplain)
		if err != nil {
			t.Fatalf("explanation for %s: %v", id, err)
		}
		var e Explanation
		if err := json.Unmarshal(ref.Data, &e); err != nil {
			t.Fatal(err)
		}
		return e
	}

	e := load(img.ID)
	if e.RunID != report.RunID || e.State != string(constants.RunCompleted) {
		t.Fatalf("explanation header = %+v", e)
	}
	text := e.Text()
	for _, want := range []string{
		"STAGES: preparation,metadata",
		"LLM_MODEL: tiny.gguf",
		"[preparation] status: skipped",
		"[preparation] error: " + common.CodeDependencyMissing,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("image explanation missing %q:\n%s", want, text)
		}
	}

	text = load(docs[1].ID).Text()
	if !strings.Contains(text, "[metadata] status: ok") || !strings.Contains(text, "tokens: ") {
		t.Fatalf("text explanation:\n%s", text)
	}
}

func TestOCRStartFailureDegradesToSkip(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{"doc2.txt": essay("End.")})
	img := NewDocumentUnit(filepath.Join(dir, "img1.png"), "img1.png", "", constants.KindImage)
	docs = append(docs, img)

	h := newHarness(t, NewMemoryStore(), 0, true)
	h.ocrB.startErr = common.NewProcessLaunchError("model file missing", nil)
	report, err := h.orch.Run(context.Background(), docs, RunOptions{Stages: []constants.Stage{constants.StagePreparation, constants.StageMetadata}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != constants.RunCompleted || h.ocrB.starts != 1 {
		t.Fatalf("unexpected state %s starts %d", report.State, h.ocrB.starts)
	}
	if r, _ := img.Result(constants.StageMetadata); r.Status != constants.StageSkipped {
		t.Fatalf("image metadata should be skipped: %+v", r)
	}
	if r, _ := docs[0].Result(constants.StageMetadata); !r.OK() {
		t.Fatalf("text document metadata: %+v", r)
	}
}

func TestItemFailureIsIsolatedPerDocument(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{
		"a.txt": essay("A ends."),
		"b.txt": "Broken Student\n\nBroken Title\n\nOnly paragraph. Two sentences.",
	})
	h := newHarness(t, NewMemoryStore(), 5, false)
	h.llm.before = func(system, user string) error {
		if system == metadataPrompt && strings.HasPrefix(user, "Broken") {
			return common.NewResponseShapeError("no choices in response", nil)
		}
		return nil
	}
	report, err := h.orch.Run(context.Background(), docs, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.State != constants.RunCompleted {
		t.Fatalf("expected completed, got %s", report.State)
	}
	meta, _ := docs[1].Result(constants.StageMetadata)
	if meta.Status != constants.StageFailed || meta.Error.Code != common.CodeResponseShape {
		t.Fatalf("unexpected metadata result %+v", meta)
	}
	if r, _ := docs[1].Result(constants.StageSummarize); r.Status != constants.StageSkipped {
		t.Fatalf("downstream stage should be skipped: %+v", r)
	}
	if r, _ := docs[0].Result(constants.StageSummarize); !r.OK() {
		t.Fatalf("healthy document should finish: %+v", r)
	}
}

func TestLLMBackendFailureAbortsRun(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{"a.txt": essay("End.")})
	h := newHarness(t, NewMemoryStore(), 5, false)
	h.llmB.startErr = common.NewStartupTimeoutError("backend never became healthy", nil)

	report, err := h.orch.Run(context.Background(), docs, RunOptions{})
	if !errors.Is(err, common.ErrStartupTimeout) {
		t.Fatalf("expected startup timeout, got %v", err)
	}
	if report.State != constants.RunAborted || report.AbortedAt != constants.StageMetadata {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Error == nil || report.Error.Code != common.CodeStartupTimeout {
		t.Fatalf("unexpected error detail %+v", report.Error)
	}
	if _, ok := docs[0].Result(constants.StageGED); ok {
		t.Fatal("stages after the abort must not run")
	}
}

func TestCrashedBackendIsRestartedAndStageRerun(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{"a.txt": essay("A."), "b.txt": essay("B.")})
	h := newHarness(t, NewMemoryStore(), 0, false)
	var crashed atomic.Bool
	h.llm.before = func(system, _ string) error {
		if system != contentPrompt {
			return nil
		}
		if !crashed.Swap(true) {
			h.llmB.crash()
		}
		if h.llmB.State() == constants.ServerCrashed {
			return common.NewTransportError("send request", errors.New("connection refused"))
		}
		return nil
	}

	report, err := h.orch.Run(context.Background(), docs, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.llmB.starts != 2 {
		t.Fatalf("expected one restart, got %d starts", h.llmB.starts)
	}
	for _, d := range docs {
		if r, _ := d.Result(constants.StageContent); !r.OK() {
			t.Fatalf("%s content after restart: %+v", d.ID, r)
		}
	}
	for _, s := range report.Stages {
		if s.Name == constants.StageContent && s.Retries != 1 {
			t.Fatalf("expected one retry, got %+v", s)
		}
	}
}

func TestCancellationAbortsRun(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{"a.txt": essay("A."), "b.txt": essay("B.")})
	h := newHarness(t, NewMemoryStore(), 0, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.llm.before = func(system, _ string) error {
		if system == topicPrompt {
			cancel()
			return common.NewCancelledError("request aborted", context.Canceled)
		}
		return nil
	}

	report, err := h.orch.Run(ctx, docs, RunOptions{})
	if common.ErrorCode(err) != common.CodeCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if report.State != constants.RunAborted || report.AbortedAt != constants.StageTopicFeedback {
		t.Fatalf("unexpected report state %s at %s", report.State, report.AbortedAt)
	}
	for _, d := range docs {
		r, _ := d.Result(constants.StageTopicFeedback)
		if r.Status != constants.StageFailed || r.Error.Code != common.CodeCancelled {
			t.Fatalf("%s topic: %+v", d.ID, r)
		}
		if _, ok := d.Result(constants.StageConclusion); ok {
			t.Fatal("no stage may run after cancellation")
		}
	}
}

func TestPartialRunHydratesFromStore(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{"a.txt": essay("A.")}
	store, err := NewFileStore(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, store, 5, false)
	if _, err := h.orch.Run(context.Background(), writeDocs(t, dir, files), RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := h.llm.count(summarizePrompt)

	fresh := writeDocs(t, dir, files)
	report, err := h.orch.Run(context.Background(), fresh, RunOptions{Stages: []constants.Stage{constants.StageSummarize}})
	if err != nil {
		t.Fatalf("partial run: %v", err)
	}
	if len(report.Stages) != 1 || report.Stages[0].Succeeded != 1 {
		t.Fatalf("unexpected partial report %+v", report.Stages)
	}
	if h.llm.count(summarizePrompt) != before+1 || h.llm.count(metadataPrompt) != 1 {
		t.Fatal("partial run should only call the summarize stage")
	}
}

func TestPartialRunWithoutArtifactsSkips(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{"a.txt": essay("A.")})
	h := newHarness(t, NewMemoryStore(), 5, false)
	report, err := h.orch.Run(context.Background(), docs, RunOptions{Stages: []constants.Stage{constants.StageBody}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Stages[0].Skipped != 1 || h.llmB.starts != 0 {
		t.Fatalf("expected a dependency skip without starting the backend: %+v starts=%d", report.Stages[0], h.llmB.starts)
	}
}

func TestGEDAppliesAtMostMaxCorrections(t *testing.T) {
	dir := t.TempDir()
	docs := writeDocs(t, dir, map[string]string{
		"a.txt": "Name\n\nTitle\n\nteh one. teh two. teh three.",
	})
	h := newHarness(t, NewMemoryStore(), 2, false)
	if _, err := h.orch.Run(context.Background(), docs, RunOptions{Stages: []constants.Stage{
		constants.StagePreparation, constants.StageMetadata, constants.StageGED,
	}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var c Corrected
	if err := loadArtifact(docs[0], constants.StageGED, &c); err != nil {
		t.Fatal(err)
	}
	if c.Flagged != 3 || len(c.Corrections) != 2 {
		t.Fatalf("expected 3 flagged and 2 applied, got %+v", c)
	}
	if c.Paragraphs[0] != "the one. the two. teh three." {
		t.Fatalf("unexpected paragraph %q", c.Paragraphs[0])
	}
}

func TestPlanRejectsUnknownStage(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), 5, false)
	if _, err := h.orch.Run(context.Background(), nil, RunOptions{Stages: []constants.Stage{"translate"}}); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
