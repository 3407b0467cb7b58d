package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/batch"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/llm"
)

// singleStage issues one request per document.
type singleStage struct {
	llmStage
	build    func(d *DocumentUnit) (llm.Request, error)
	artifact func(d *DocumentUnit, value any) (any, error)
}

func (s *singleStage) BuildWorkItems(docs []*DocumentUnit, _ Env) ([]batch.Item, map[string]StageResult) {
	items := make([]batch.Item, 0, len(docs))
	resolved := map[string]StageResult{}
	for _, d := range docs {
		req, err := s.build(d)
		if err != nil {
			resolved[d.ID] = upfront(d.ID, s.name, err)
			continue
		}
		items = append(items, batch.Item{Key: itemKey(d.ID), Payload: task{DocID: d.ID, Request: req}})
	}
	return items, resolved
}

func (s *singleStage) ApplyResults(ctx context.Context, docs []*DocumentUnit, outcome *batch.Outcome, store ArtifactStore) []StageResult {
	groups := groupByDoc(outcome)
	out := make([]StageResult, 0, len(docs))
	for _, d := range docs {
		results := groups[d.ID]
		res, ok := settle(d.ID, s.name, results)
		if !ok {
			out = append(out, res)
			continue
		}
		if len(results) == 0 {
			out = append(out, failedResult(d.ID, s.name, common.NewAppError(common.CodeInternal, "no item ran for document", nil)))
			continue
		}
		v, err := s.artifact(d, results[0].Value.(answer).Value)
		if err != nil {
			out = append(out, failedResult(d.ID, s.name, err))
			continue
		}
		out = append(out, commit(ctx, store, res, v))
	}
	return out
}

// upfront resolves a document that could not produce a request: a missing
// predecessor artifact skips it, anything else fails it.
func upfront(docID string, stage constants.Stage, err error) StageResult {
	if errors.Is(err, common.ErrDependencyMissing) {
		return skippedResult(docID, stage, err)
	}
	return failedResult(docID, stage, err)
}

var (
	metadataSchema = llm.ObjectSchema([]string{"student_name", "essay_title", "essay"}, "student_number", "extraneous")
	topicSchema    = llm.ObjectSchema([]string{"learner_topic_sentence", "good_topic_sentence", "feedback"})
)

func newMetadataStage(client Caller, d Deps) *singleStage {
	s := &singleStage{llmStage: llmStage{
		base:    base{name: constants.StageMetadata, backend: constants.BackendLLM, concurrency: d.Pipeline.ConcurrencyFor(string(constants.StageMetadata))},
		client:  client,
		timeout: d.LLMTimeout,
		decode: func(content string) (any, error) {
			var m Metadata
			if err := llm.DecodeStructured(content, metadataSchema, &m); err != nil {
				return nil, err
			}
			if strings.TrimSpace(m.Essay) == "" {
				return nil, common.NewResponseShapeError("metadata answer has an empty essay", nil)
			}
			return m, nil
		},
	}}
	s.build = func(doc *DocumentUnit) (llm.Request, error) {
		var p Prepared
		if err := loadArtifact(doc, constants.StagePreparation, &p); err != nil {
			return llm.Request{}, err
		}
		if len(p.Paragraphs) == 0 {
			return llm.Request{}, common.NewInvalidInputError("prepared document has no paragraphs", nil)
		}
		req := userRequest(metadataPrompt, strings.Join(p.Paragraphs, "\n\n"), 0)
		req.ResponseFormat = llm.JSONResponseFormat(metadataSchema)
		req.MaxTokens = 4096
		return req, nil
	}
	s.artifact = func(_ *DocumentUnit, v any) (any, error) { return v, nil }
	return s
}

func newTopicStage(client Caller, d Deps) *singleStage {
	s := &singleStage{llmStage: llmStage{
		base:    base{name: constants.StageTopicFeedback, backend: constants.BackendLLM, concurrency: d.Pipeline.ConcurrencyFor(string(constants.StageTopicFeedback))},
		client:  client,
		timeout: d.LLMTimeout,
		decode: func(content string) (any, error) {
			var tf TopicFeedback
			if err := llm.DecodeStructured(content, topicSchema, &tf); err != nil {
				return nil, err
			}
			return tf, nil
		},
	}}
	s.build = func(doc *DocumentUnit) (llm.Request, error) {
		paras, err := essayParagraphs(doc)
		if err != nil {
			return llm.Request{}, err
		}
		req := userRequest(topicPrompt, paras[0], 0)
		req.ResponseFormat = llm.JSONResponseFormat(topicSchema)
		return req, nil
	}
	s.artifact = func(_ *DocumentUnit, v any) (any, error) { return v, nil }
	return s
}

func newConclusionStage(client Caller, d Deps) *singleStage {
	s := &singleStage{llmStage: llmStage{
		base:    base{name: constants.StageConclusion, backend: constants.BackendLLM, concurrency: d.Pipeline.ConcurrencyFor(string(constants.StageConclusion))},
		client:  client,
		timeout: d.LLMTimeout,
	}}
	s.build = func(doc *DocumentUnit) (llm.Request, error) {
		paras, err := essayParagraphs(doc)
		if err != nil {
			return llm.Request{}, err
		}
		return userRequest(conclusionPrompt, paras[len(paras)-1], 0), nil
	}
	s.artifact = func(doc *DocumentUnit, v any) (any, error) {
		paras, err := essayParagraphs(doc)
		if err != nil {
			return nil, err
		}
		return ConclusionFeedback{Paragraph: paras[len(paras)-1], Feedback: strings.TrimSpace(v.(string))}, nil
	}
	return s
}

func newContentStage(client Caller, d Deps) *singleStage {
	s := &singleStage{llmStage: llmStage{
		base:    base{name: constants.StageContent, backend: constants.BackendLLM, concurrency: d.Pipeline.ConcurrencyFor(string(constants.StageContent))},
		client:  client,
		timeout: d.LLMTimeout,
	}}
	s.build = func(doc *DocumentUnit) (llm.Request, error) {
		paras, err := essayParagraphs(doc)
		if err != nil {
			return llm.Request{}, err
		}
		return userRequest(contentPrompt, strings.Join(paras, "\n\n"), 0), nil
	}
	s.artifact = func(_ *DocumentUnit, v any) (any, error) {
		return ContentFeedback{Feedback: strings.TrimSpace(v.(string))}, nil
	}
	return s
}

func newSummarizeStage(client Caller, d Deps) *singleStage {
	s := &singleStage{llmStage: llmStage{
		base:    base{name: constants.StageSummarize, backend: constants.BackendLLM, concurrency: d.Pipeline.ConcurrencyFor(string(constants.StageSummarize))},
		client:  client,
		timeout: d.LLMTimeout,
	}}
	s.build = func(doc *DocumentUnit) (llm.Request, error) {
		in, err := summaryInput(doc)
		if err != nil {
			return llm.Request{}, err
		}
		req := userRequest(summarizePrompt, in, 0.2)
		req.MaxTokens = 2048
		return req, nil
	}
	s.artifact = func(doc *DocumentUnit, v any) (any, error) {
		sum := Summary{FinalFeedback: strings.TrimSpace(v.(string))}
		var m Metadata
		if loadArtifact(doc, constants.StageMetadata, &m) == nil {
			sum.StudentName, sum.EssayTitle = m.StudentName, m.EssayTitle
		}
		return sum, nil
	}
	return s
}

// summaryInput gathers every feedback section for the final note.
func summaryInput(d *DocumentUnit) (string, error) {
	var (
		topic   TopicFeedback
		concl   ConclusionFeedback
		body    BodyFeedback
		content ContentFeedback
	)
	for _, dep := range []struct {
		stage constants.Stage
		out   any
	}{
		{constants.StageTopicFeedback, &topic},
		{constants.StageConclusion, &concl},
		{constants.StageBody, &body},
		{constants.StageContent, &content},
	} {
		if err := loadArtifact(d, dep.stage, dep.out); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	b.WriteString("Topic sentence feedback:\n" + topic.Feedback + "\n")
	if topic.GoodTopicSentence != "" {
		b.WriteString("Suggested topic sentence: " + topic.GoodTopicSentence + "\n")
	}
	b.WriteString("\nConclusion feedback:\n" + concl.Feedback + "\n")
	for _, p := range body.Paragraphs {
		for _, part := range []string{p.Hedging, p.CauseEffect, p.CompareContrast} {
			if part != "" {
				b.WriteString("\nBody paragraph feedback:\n" + part + "\n")
			}
		}
	}
	b.WriteString("\nContent feedback:\n" + content.Feedback + "\n")
	return b.String(), nil
}
