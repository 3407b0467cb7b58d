package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/pipeline"
)

const (
	sheetDocuments = "Documents"
	sheetStages    = "Stages"
	sheetFeedback  = "Feedback"
	sheetExplain   = "Explain"
)

// Service turns a run report plus its artifacts into an XLSX workbook.
type Service struct {
	store  pipeline.ArtifactStore
	logger *slog.Logger
}

func NewService(store pipeline.ArtifactStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// RunReportXLSX returns the workbook bytes. Documents has one row per document
// and one status column per stage; Stages has the per-stage summary; Feedback
// holds the text the stages produced, read back from the artifact store;
// Explain holds each document's rendered run explanation.
func (s *Service) RunReportXLSX(ctx context.Context, report *pipeline.Report) ([]byte, error) {
	if report == nil {
		return nil, common.NewInvalidInputError("report is required", nil)
	}
	start := time.Now()

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetDocuments); err != nil {
		return nil, err
	}
	for _, name := range []string{sheetStages, sheetFeedback, sheetExplain} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheetDocuments)
	f.SetActiveSheet(activeIndex)

	bold, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})

	s.writeDocuments(f, report, bold)
	s.writeStages(f, report, bold)
	if err := s.writeFeedback(ctx, f, report, bold); err != nil {
		return nil, err
	}
	if err := s.writeExplain(ctx, f, report, bold); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.done",
		"run_id", report.RunID,
		"documents", len(report.Documents),
		"bytes", buf.Len(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// WriteRunReport writes the workbook to path, creating parent directories.
func (s *Service) WriteRunReport(ctx context.Context, report *pipeline.Report, path string) error {
	data, err := s.RunReportXLSX(ctx, report)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func header(f *excelize.File, sheet string, style int, headers ...string) {
	vals := make([]any, len(headers))
	for i, h := range headers {
		vals[i] = h
	}
	writeRow(f, sheet, 1, vals...)
	end, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(sheet, "A1", end, style)
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func (s *Service) writeDocuments(f *excelize.File, report *pipeline.Report, style int) {
	headers := []string{"Document", "Submission", "Kind", "Source"}
	for _, st := range constants.StageOrder {
		headers = append(headers, string(st))
	}
	header(f, sheetDocuments, style, headers...)

	for i, d := range report.Documents {
		byStage := map[constants.Stage]pipeline.StageResult{}
		for _, r := range d.Results {
			byStage[r.Stage] = r
		}
		vals := []any{d.ID, d.Submission, string(d.Kind), d.RelPath}
		for _, st := range constants.StageOrder {
			vals = append(vals, statusCell(byStage[st]))
		}
		writeRow(f, sheetDocuments, i+2, vals...)
	}
	_ = f.SetColWidth(sheetDocuments, "A", "A", 36)
	_ = f.SetColWidth(sheetDocuments, "B", "C", 14)
	_ = f.SetColWidth(sheetDocuments, "D", "D", 48)
	last, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetColWidth(sheetDocuments, "E", last, 18)
}

// statusCell renders "ok", "skipped (dependency_missing)" and so on; a stage
// that did not run stays blank.
func statusCell(r pipeline.StageResult) string {
	if r.Status == "" {
		return ""
	}
	if r.Error != nil {
		return fmt.Sprintf("%s (%s)", r.Status, r.Error.Code)
	}
	if len(r.Warnings) > 0 {
		return fmt.Sprintf("%s (%d warnings)", r.Status, len(r.Warnings))
	}
	return string(r.Status)
}

func (s *Service) writeStages(f *excelize.File, report *pipeline.Report, style int) {
	header(f, sheetStages, style,
		"Stage", "Documents", "Tasks", "Succeeded", "Failed", "Skipped", "Cancelled",
		"Retries", "Elapsed (s)", "Prompt tokens", "Completion tokens", "Tokens/s",
	)
	for i, st := range report.Stages {
		writeRow(f, sheetStages, i+2,
			string(st.Name), st.Documents, st.Tasks, st.Succeeded, st.Failed, st.Skipped, st.Cancelled,
			st.Retries, round2(st.Elapsed.Seconds()), st.PromptTokens, st.CompletionTokens, round2(st.TokensPerSecond),
		)
	}
	row := len(report.Stages) + 3
	writeRow(f, sheetStages, row, "Run", report.RunID)
	writeRow(f, sheetStages, row+1, "State", string(report.State))
	if report.AbortedAt != "" {
		writeRow(f, sheetStages, row+2, "Aborted at", string(report.AbortedAt))
	}
	if report.Error != nil {
		writeRow(f, sheetStages, row+3, "Error", report.Error.Code+": "+report.Error.Message)
	}
	_ = f.SetColWidth(sheetStages, "A", "A", 18)
	_ = f.SetColWidth(sheetStages, "B", "L", 14)
}

func (s *Service) writeFeedback(ctx context.Context, f *excelize.File, report *pipeline.Report, style int) error {
	header(f, sheetFeedback, style,
		"Document", "Student", "Student number", "Title", "Corrections",
		"Topic sentence", "Conclusion", "Content", "Final feedback",
	)
	wrap, _ := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})

	for i, d := range report.Documents {
		var (
			meta       pipeline.Metadata
			corrected  pipeline.Corrected
			topic      pipeline.TopicFeedback
			conclusion pipeline.ConclusionFeedback
			content    pipeline.ContentFeedback
			summary    pipeline.Summary
		)
		targets := []struct {
			stage constants.Stage
			out   any
		}{
			{constants.StageMetadata, &meta},
			{constants.StageGED, &corrected},
			{constants.StageTopicFeedback, &topic},
			{constants.StageConclusion, &conclusion},
			{constants.StageContent, &content},
			{constants.StageSummarize, &summary},
		}
		for _, t := range targets {
			if err := s.load(ctx, d.ID, t.stage, t.out); err != nil {
				return err
			}
		}
		corrections := ""
		if corrected.Flagged > 0 || len(corrected.Corrections) > 0 {
			corrections = fmt.Sprintf("%d of %d", len(corrected.Corrections), corrected.Flagged)
		}
		row := i + 2
		writeRow(f, sheetFeedback, row,
			d.ID, meta.StudentName, meta.StudentNumber, meta.EssayTitle, corrections,
			topic.Feedback, conclusion.Feedback, content.Feedback, summary.FinalFeedback,
		)
		start, _ := excelize.CoordinatesToCellName(6, row)
		end, _ := excelize.CoordinatesToCellName(9, row)
		_ = f.SetCellStyle(sheetFeedback, start, end, wrap)
	}
	_ = f.SetColWidth(sheetFeedback, "A", "A", 36)
	_ = f.SetColWidth(sheetFeedback, "B", "E", 18)
	_ = f.SetColWidth(sheetFeedback, "F", "I", 60)
	return nil
}

func (s *Service) writeExplain(ctx context.Context, f *excelize.File, report *pipeline.Report, style int) error {
	header(f, sheetExplain, style, "Document", "Explanation")
	wrap, _ := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})

	for i, d := range report.Documents {
		var e pipeline.Explanation
		if err := s.load(ctx, d.ID, constants.ArtifactExplain, &e); err != nil {
			return err
		}
		text := ""
		if e.DocID != "" {
			text = e.Text()
		}
		row := i + 2
		writeRow(f, sheetExplain, row, d.ID, text)
		cell, _ := excelize.CoordinatesToCellName(2, row)
		_ = f.SetCellStyle(sheetExplain, cell, cell, wrap)
	}
	_ = f.SetColWidth(sheetExplain, "A", "A", 36)
	_ = f.SetColWidth(sheetExplain, "B", "B", 100)
	return nil
}

// load decodes an artifact into out; a missing artifact leaves out empty.
func (s *Service) load(ctx context.Context, docID string, stage constants.Stage, out any) error {
	if s.store == nil {
		return nil
	}
	ref, err := s.store.Get(ctx, docID, stage)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", pipeline.ArtifactKey(docID, stage), err)
	}
	if err := json.Unmarshal(ref.Data, out); err != nil {
		s.logger.Warn("export.artifact.decode_failed", "doc_id", docID, "stage", stage, "error", err)
	}
	return nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
