package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/batch"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/llm"
)

// Env carries run-time facts a stage needs while building items.
type Env struct {
	// BackendReady is false when the stage's backend could not be started
	// and the stage is expected to degrade instead of failing the run.
	BackendReady bool
}

// Stage is one pipeline phase.
//
// BuildWorkItems must not mutate docs. The returned map holds documents
// resolved without a request (skipped or failed up front); every other
// document is handed to ApplyResults, even when it produced no items.
type Stage interface {
	Name() constants.Stage
	Backend() string
	Concurrency() int
	NeedsBackend(docs []*DocumentUnit) bool
	BuildWorkItems(docs []*DocumentUnit, env Env) ([]batch.Item, map[string]StageResult)
	Execute(ctx context.Context, item batch.Item) (any, error)
	ApplyResults(ctx context.Context, docs []*DocumentUnit, outcome *batch.Outcome, store ArtifactStore) []StageResult
}

// Caller is the inference client surface stages use.
type Caller interface {
	Call(ctx context.Context, req llm.Request, timeout time.Duration) (llm.Response, error)
}

type base struct {
	name        constants.Stage
	backend     string
	concurrency int
}

func (b base) Name() constants.Stage { return b.name }
func (b base) Backend() string       { return b.backend }

func (b base) Concurrency() int {
	if b.concurrency < 1 {
		return 1
	}
	return b.concurrency
}

func (b base) NeedsBackend(docs []*DocumentUnit) bool { return len(docs) > 0 }

// task is the payload of an LLM work item.
type task struct {
	DocID   string
	Label   string
	Input   string
	Request llm.Request
}

// answer is what Execute returns for LLM items.
type answer struct {
	Value any
	Usage llm.Usage
}

// llmStage runs one chat request per item and optionally decodes it.
type llmStage struct {
	base
	client  Caller
	timeout time.Duration
	decode  func(content string) (any, error)
}

func (s *llmStage) Execute(ctx context.Context, item batch.Item) (any, error) {
	t, ok := item.Payload.(task)
	if !ok {
		return nil, common.NewInvalidInputError(fmt.Sprintf("unexpected payload %T", item.Payload), nil)
	}
	resp, err := s.client.Call(ctx, t.Request, s.timeout)
	if err != nil {
		return nil, err
	}
	if s.decode == nil {
		return answer{Value: resp.Content, Usage: resp.Usage}, nil
	}
	v, err := s.decode(resp.Content)
	if err != nil {
		return nil, err
	}
	return answer{Value: v, Usage: resp.Usage}, nil
}

func itemKey(docID string, parts ...any) string {
	var b strings.Builder
	b.WriteString(docID)
	for _, p := range parts {
		fmt.Fprintf(&b, "/%v", p)
	}
	return b.String()
}

func docOfKey(key string) string {
	id, _, _ := strings.Cut(key, "/")
	return id
}

// groupByDoc splits an outcome per document, keeping submission order.
func groupByDoc(outcome *batch.Outcome) map[string][]batch.Result {
	out := map[string][]batch.Result{}
	if outcome == nil {
		return out
	}
	for _, r := range outcome.Results() {
		id := docOfKey(r.Key)
		out[id] = append(out[id], r)
	}
	return out
}

// settle applies the per-document item policy. Any cancelled item fails the
// document with code cancelled; if every item failed the document fails with
// the first error; otherwise failed items become warnings and proceed is true.
func settle(docID string, stage constants.Stage, results []batch.Result) (res StageResult, proceed bool) {
	res = StageResult{DocID: docID, Stage: stage, Tasks: len(results)}
	var firstErr error
	failed := 0
	for _, r := range results {
		switch r.Status {
		case constants.BatchCancelled:
			out := failedResult(docID, stage, common.NewCancelledError("stage cancelled before completion", r.Err))
			out.Tasks = len(results)
			return out, false
		case constants.BatchFailed:
			failed++
			if firstErr == nil {
				firstErr = r.Err
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", r.Key, common.DetailOf(r.Err).Message))
		case constants.BatchOK:
			u := usageOf(r.Value)
			res.PromptTokens += u.PromptTokens
			res.CompletionTokens += u.CompletionTokens
		}
	}
	if len(results) > 0 && failed == len(results) {
		out := failedResult(docID, stage, firstErr)
		out.Tasks = len(results)
		return out, false
	}
	return res, true
}

func usageOf(v any) llm.Usage {
	switch t := v.(type) {
	case answer:
		return t.Usage
	case prepared:
		return t.Usage
	}
	return llm.Usage{}
}

func answerText(r batch.Result) string {
	if a, ok := r.Value.(answer); ok {
		if s, ok := a.Value.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// commit stores v for the document and completes res as ok.
func commit(ctx context.Context, store ArtifactStore, res StageResult, v any) StageResult {
	ref, err := store.Put(ctx, res.DocID, res.Stage, v)
	if err != nil {
		out := failedResult(res.DocID, res.Stage, common.WrapError(err, "store artifact"))
		out.Tasks = res.Tasks
		return out
	}
	res.Status = constants.StageOK
	res.Artifact = &ref
	res.Error = nil
	return res
}

func userRequest(system, user string, temperature float32) llm.Request {
	t := temperature
	return llm.Request{
		Messages:    []llm.Message{llm.SystemMessage(system), llm.UserMessage(user)},
		Temperature: &t,
	}
}
