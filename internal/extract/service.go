package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

type Config struct {
	Pdftotext     string // e.g. "pdftotext"
	Pandoc        string // e.g. "pandoc"
	HeicConverter string // "magick" | "heif-convert" | "sips"
	CacheDir      string // persisted HEIC conversions; empty uses temp dirs
}

// ConfigFromPipeline maps pipeline settings onto extractor settings.
func ConfigFromPipeline(p common.PipelineConfig) Config {
	return Config{
		Pdftotext:     p.Pdftotext,
		Pandoc:        p.Pandoc,
		HeicConverter: p.HeicConverter,
		CacheDir:      p.ConvertCacheDir,
	}
}

// Service extracts paragraphs from text, PDF and DOCX documents.
type Service struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewService(cfg Config, runner Runner, logger *slog.Logger) *Service {
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pandoc == "" {
		cfg.Pandoc = "pandoc"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, runner: runner, logger: logger}
}

func (s *Service) Extract(ctx context.Context, path string, kind constants.DocumentKind) (Result, error) {
	start := time.Now()
	var (
		text string
		res  Result
		err  error
	)
	switch kind {
	case constants.KindText:
		res.Method = "text"
		var raw []byte
		raw, err = os.ReadFile(path)
		text = string(raw)
	case constants.KindPDF:
		res.Method = "pdftotext"
		text, err = s.command(ctx, s.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
		res.Pages = 1 + strings.Count(strings.TrimRight(text, "\f"), "\f")
	case constants.KindDOCX:
		res.Method = "pandoc"
		text, err = s.command(ctx, s.cfg.Pandoc, "-t", "plain", "--wrap=none", path)
	default:
		return Result{}, common.NewInvalidInputError(fmt.Sprintf("no text extractor for kind %q", kind), nil)
	}
	if err != nil {
		return Result{}, err
	}

	res.Paragraphs = SplitParagraphs(text)
	res.Duration = time.Since(start)
	if len(res.Paragraphs) == 0 {
		return res, common.NewInvalidInputError("document contains no text", nil)
	}
	s.logger.Debug("extract.done",
		"path", path,
		"method", res.Method,
		"paragraphs", len(res.Paragraphs),
		"elapsed_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (s *Service) command(ctx context.Context, name string, args ...string) (string, error) {
	out, errb, err := s.runner.Run(ctx, name, s.logger, args...)
	if err == nil {
		return string(out), nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", common.NewDependencyMissingError(fmt.Sprintf("%s is not installed", name), err)
	}
	if ctx.Err() != nil {
		return "", common.NewCancelledError(name+" interrupted", ctx.Err())
	}
	return "", fmt.Errorf("%s: %w: %s", name, err, truncate(strings.TrimSpace(string(errb)), 512))
}
