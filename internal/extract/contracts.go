package extract

import (
	"context"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
)

// Extractor turns a non-image document into paragraphs.
type Extractor interface {
	Extract(ctx context.Context, path string, kind constants.DocumentKind) (Result, error)
}

type Result struct {
	Paragraphs []string
	Method     string // "text" | "pdftotext" | "pandoc"
	Pages      int
	Duration   time.Duration
	Warnings   []string
}
