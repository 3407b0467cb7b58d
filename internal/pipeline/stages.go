package pipeline

import (
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/extract"
)

// Deps are the collaborators the stage adapters need.
type Deps struct {
	LLM          Caller
	OCR          Caller // nil disables image documents
	Extractor    extract.Extractor
	HEIC         HEICConverter
	Pipeline     common.PipelineConfig
	LLMTimeout   time.Duration
	OCRTimeout   time.Duration
	MaxImageSide int
	OCRPrompt    string
}

// NewStages builds the eight stage adapters in StageOrder.
func NewStages(d Deps) []Stage {
	return []Stage{
		&preparationStage{
			base:      base{name: constants.StagePreparation, backend: constants.BackendOCR, concurrency: d.Pipeline.ConcurrencyFor(string(constants.StagePreparation))},
			extractor: d.Extractor,
			heic:      d.HEIC,
			ocr:       d.OCR,
			timeout:   d.OCRTimeout,
			maxSide:   d.MaxImageSide,
			prompt:    d.OCRPrompt,
		},
		newMetadataStage(d.LLM, d),
		newGEDStage(d.LLM, d),
		newTopicStage(d.LLM, d),
		newConclusionStage(d.LLM, d),
		newBodyStage(d.LLM, d),
		newContentStage(d.LLM, d),
		newSummarizeStage(d.LLM, d),
	}
}
