package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/batch"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/extract"
	"github.com/joseph-ayodele/essay-pipeline/internal/llm"
)

// HEICConverter turns HEIC/HEIF images into something the decoder reads.
type HEICConverter interface {
	ConvertHEIC(ctx context.Context, path string) (string, func(), error)
}

type prepTask struct {
	DocID  string
	Source string
	Kind   constants.DocumentKind
}

type prepared struct {
	Doc   Prepared
	Usage llm.Usage
}

// preparationStage extracts text documents locally and sends image documents
// to the OCR backend.
type preparationStage struct {
	base
	extractor extract.Extractor
	heic      HEICConverter
	ocr       Caller
	timeout   time.Duration
	maxSide   int
	prompt    string
}

func (s *preparationStage) NeedsBackend(docs []*DocumentUnit) bool {
	for _, d := range docs {
		if d.Kind == constants.KindImage {
			return true
		}
	}
	return false
}

func (s *preparationStage) BuildWorkItems(docs []*DocumentUnit, env Env) ([]batch.Item, map[string]StageResult) {
	items := make([]batch.Item, 0, len(docs))
	resolved := map[string]StageResult{}
	for _, d := range docs {
		switch {
		case d.Kind == constants.KindUnsupported || d.Kind == "":
			resolved[d.ID] = failedResult(d.ID, s.name, common.NewInvalidInputError("unsupported document type: "+d.RelPath, nil))
			continue
		case d.Kind == constants.KindImage && (!env.BackendReady || s.ocr == nil):
			resolved[d.ID] = skippedResult(d.ID, s.name, common.NewDependencyMissingError("OCR backend unavailable for image document", nil))
			continue
		}
		items = append(items, batch.Item{
			Key:     itemKey(d.ID),
			Payload: prepTask{DocID: d.ID, Source: d.Source, Kind: d.Kind},
		})
	}
	return items, resolved
}

func (s *preparationStage) Execute(ctx context.Context, item batch.Item) (any, error) {
	t, ok := item.Payload.(prepTask)
	if !ok {
		return nil, common.NewInvalidInputError(fmt.Sprintf("unexpected payload %T", item.Payload), nil)
	}
	if t.Kind == constants.KindImage {
		return s.recognize(ctx, t)
	}
	if s.extractor == nil {
		return nil, common.NewDependencyMissingError("no text extractor configured", nil)
	}
	res, err := s.extractor.Extract(ctx, t.Source, t.Kind)
	if err != nil {
		return nil, err
	}
	return prepared{Doc: Prepared{
		Source:     t.Source,
		Kind:       t.Kind,
		Method:     res.Method,
		Paragraphs: res.Paragraphs,
		Warnings:   res.Warnings,
	}}, nil
}

func (s *preparationStage) recognize(ctx context.Context, t prepTask) (any, error) {
	path := t.Source
	if extract.IsHEICPath(path) {
		if s.heic == nil {
			return nil, common.NewDependencyMissingError("no HEIC converter configured", nil)
		}
		converted, cleanup, err := s.heic.ConvertHEIC(ctx, path)
		defer cleanup()
		if err != nil {
			return nil, err
		}
		path = converted
	}
	uri, err := llm.EncodeImageDataURI(path, s.maxSide)
	if err != nil {
		return nil, common.NewInvalidInputError("read image", err)
	}
	resp, err := s.ocr.Call(ctx, llm.NewOCRRequest(uri, s.prompt), s.timeout)
	if err != nil {
		return nil, err
	}
	paras := extract.SplitParagraphs(resp.Content)
	if len(paras) == 0 {
		return nil, common.NewResponseShapeError("OCR returned no text", nil)
	}
	return prepared{
		Doc:   Prepared{Source: t.Source, Kind: t.Kind, Method: "ocr", Paragraphs: paras},
		Usage: resp.Usage,
	}, nil
}

func (s *preparationStage) ApplyResults(ctx context.Context, docs []*DocumentUnit, outcome *batch.Outcome, store ArtifactStore) []StageResult {
	groups := groupByDoc(outcome)
	out := make([]StageResult, 0, len(docs))
	for _, d := range docs {
		res, ok := settle(d.ID, s.name, groups[d.ID])
		if !ok {
			out = append(out, res)
			continue
		}
		results := groups[d.ID]
		if len(results) == 0 {
			out = append(out, failedResult(d.ID, s.name, common.NewAppError(common.CodeInternal, "no preparation item ran", nil)))
			continue
		}
		p := results[0].Value.(prepared)
		out = append(out, commit(ctx, store, res, p.Doc))
	}
	return out
}
