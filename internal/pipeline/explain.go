package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
)

// Setting is one run configuration entry echoed into every explanation.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Explanation is the per-document account of a run: the configuration it
// ran under and one line per stage outcome, warning and error.
type Explanation struct {
	DocID     string    `json:"doc_id"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id"`
	Generated time.Time `json:"generated"`
	State     string    `json:"state"`
	Config    []Setting `json:"config"`
	Lines     []string  `json:"lines"`
}

// Text renders the explanation as a plain report.
func (e Explanation) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Explainability Report: %s\n", e.Source)
	fmt.Fprintf(&b, "Generated (UTC): %s\n", e.Generated.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Run: %s (%s)\n\n", e.RunID, e.State)
	b.WriteString("=== RUN CONFIG ===\n")
	for _, s := range e.Config {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(s.Key), s.Value)
	}
	b.WriteString("\n")
	for _, l := range e.Lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// WithRunSettings sets the configuration entries written into each
// document's explanation, in the given order.
func WithRunSettings(settings ...Setting) Option {
	return func(o *Orchestrator) { o.settings = append(o.settings, settings...) }
}

func (o *Orchestrator) settingsFor(plan []Stage) []Setting {
	names := make([]string, len(plan))
	for i, st := range plan {
		names[i] = string(st.Name())
	}
	out := []Setting{
		{Key: "stages", Value: strings.Join(names, ",")},
		{Key: "stage_retries", Value: fmt.Sprint(o.retries)},
	}
	return append(out, o.settings...)
}

func explainDocument(report *Report, settings []Setting, d *DocumentUnit) Explanation {
	e := Explanation{
		DocID:     d.ID,
		Source:    d.Source,
		RunID:     report.RunID,
		Generated: time.Now().UTC(),
		State:     string(report.State),
		Config:    settings,
	}
	for _, s := range report.Stages {
		r, ok := d.Result(s.Name)
		if !ok {
			continue
		}
		tag := "[" + string(s.Name) + "]"
		line := fmt.Sprintf("%s status: %s, tasks: %d", tag, r.Status, r.Tasks)
		if r.PromptTokens+r.CompletionTokens > 0 {
			line += fmt.Sprintf(", tokens: %d prompt / %d completion", r.PromptTokens, r.CompletionTokens)
		}
		e.Lines = append(e.Lines, line)
		for _, w := range r.Warnings {
			e.Lines = append(e.Lines, tag+" warning: "+w)
		}
		if r.Error != nil {
			e.Lines = append(e.Lines, fmt.Sprintf("%s error: %s: %s", tag, r.Error.Code, r.Error.Message))
		}
	}
	if report.AbortedAt != "" {
		e.Lines = append(e.Lines, "[run] aborted at "+string(report.AbortedAt))
	}
	return e
}

// explain stores one Explanation per document. Failures are logged and do
// not change the run outcome.
func (o *Orchestrator) explain(ctx context.Context, logger *slog.Logger, report *Report, plan []Stage, docs []*DocumentUnit) {
	ctx = context.WithoutCancel(ctx)
	settings := o.settingsFor(plan)
	for _, d := range docs {
		if _, err := o.store.Put(ctx, d.ID, constants.ArtifactExplain, explainDocument(report, settings, d)); err != nil {
			logger.Warn("pipeline.explain.failed", "doc_id", d.ID, "error", err)
		}
	}
}
