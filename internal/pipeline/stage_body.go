package pipeline

import (
	"context"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/batch"
)

type bodyAspect struct {
	key    string
	prompt string
}

var bodyAspects = []bodyAspect{
	{"hedging", hedgingPrompt},
	{"cause_effect", causeEffectPrompt},
	{"compare_contrast", compareContrastPrompt},
}

// bodyStage analyses every paragraph between the first and the last.
type bodyStage struct {
	llmStage
}

func newBodyStage(client Caller, d Deps) *bodyStage {
	return &bodyStage{llmStage{
		base:    base{name: constants.StageBody, backend: constants.BackendLLM, concurrency: d.Pipeline.ConcurrencyFor(string(constants.StageBody))},
		client:  client,
		timeout: d.LLMTimeout,
	}}
}

func bodyParagraphs(paras []string) []string {
	if len(paras) < 3 {
		return nil
	}
	return paras[1 : len(paras)-1]
}

func (s *bodyStage) BuildWorkItems(docs []*DocumentUnit, _ Env) ([]batch.Item, map[string]StageResult) {
	var items []batch.Item
	resolved := map[string]StageResult{}
	for _, d := range docs {
		paras, err := essayParagraphs(d)
		if err != nil {
			resolved[d.ID] = upfront(d.ID, s.name, err)
			continue
		}
		// Aspect-major order keeps one system prompt hot in the prompt cache.
		body := bodyParagraphs(paras)
		for _, a := range bodyAspects {
			for i, p := range body {
				items = append(items, batch.Item{
					Key:     itemKey(d.ID, i+1, a.key),
					Payload: task{DocID: d.ID, Label: a.key, Input: p, Request: userRequest(a.prompt, p, 0)},
				})
			}
		}
	}
	return items, resolved
}

func (s *bodyStage) ApplyResults(ctx context.Context, docs []*DocumentUnit, outcome *batch.Outcome, store ArtifactStore) []StageResult {
	groups := groupByDoc(outcome)
	out := make([]StageResult, 0, len(docs))
	for _, d := range docs {
		res, ok := settle(d.ID, s.name, groups[d.ID])
		if !ok {
			out = append(out, res)
			continue
		}
		paras, err := essayParagraphs(d)
		if err != nil {
			out = append(out, failedResult(d.ID, s.name, err))
			continue
		}
		body := bodyParagraphs(paras)
		if len(body) == 0 {
			res.Warnings = append(res.Warnings, "essay has no body paragraphs")
		}
		art := BodyFeedback{Paragraphs: make([]BodyParagraphFeedback, len(body))}
		for i := range body {
			fb := BodyParagraphFeedback{Index: i + 1}
			for _, a := range bodyAspects {
				r, found := outcome.Get(itemKey(d.ID, i+1, a.key))
				if !found || r.Status != constants.BatchOK {
					continue
				}
				text := answerText(r)
				switch a.key {
				case "hedging":
					fb.Hedging = text
				case "cause_effect":
					fb.CauseEffect = text
				case "compare_contrast":
					fb.CompareContrast = text
				}
			}
			art.Paragraphs[i] = fb
		}
		out = append(out, commit(ctx, store, res, art))
	}
	return out
}
