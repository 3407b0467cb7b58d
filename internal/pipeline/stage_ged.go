package pipeline

import (
	"context"
	"strings"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/batch"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/extract"
)

// gedStage asks for a corrected version of every sentence and applies at
// most maxCorrections changes per document, in reading order.
type gedStage struct {
	llmStage
	maxCorrections int
}

func newGEDStage(client Caller, d Deps) *gedStage {
	return &gedStage{
		llmStage: llmStage{
			base:    base{name: constants.StageGED, backend: constants.BackendLLM, concurrency: d.Pipeline.ConcurrencyFor(string(constants.StageGED))},
			client:  client,
			timeout: d.LLMTimeout,
		},
		maxCorrections: d.Pipeline.MaxCorrections,
	}
}

// essaySentences splits the metadata essay into paragraphs of sentences.
func essaySentences(d *DocumentUnit) ([][]string, error) {
	var m Metadata
	if err := loadArtifact(d, constants.StageMetadata, &m); err != nil {
		return nil, err
	}
	paras := extract.SplitParagraphs(m.Essay)
	if len(paras) == 0 {
		return nil, common.NewInvalidInputError("essay body is empty", nil)
	}
	out := make([][]string, len(paras))
	for i, p := range paras {
		out[i] = extract.SplitSentences(p)
	}
	return out, nil
}

func (s *gedStage) NeedsBackend(docs []*DocumentUnit) bool {
	return s.maxCorrections > 0 && len(docs) > 0
}

func (s *gedStage) BuildWorkItems(docs []*DocumentUnit, _ Env) ([]batch.Item, map[string]StageResult) {
	var items []batch.Item
	resolved := map[string]StageResult{}
	for _, d := range docs {
		paras, err := essaySentences(d)
		if err != nil {
			resolved[d.ID] = upfront(d.ID, s.name, err)
			continue
		}
		if s.maxCorrections <= 0 {
			continue
		}
		for p, sentences := range paras {
			for i, sentence := range sentences {
				items = append(items, batch.Item{
					Key: itemKey(d.ID, p, i),
					Payload: task{
						DocID:   d.ID,
						Input:   sentence,
						Request: userRequest(gedPrompt, sentence, 0),
					},
				})
			}
		}
	}
	return items, resolved
}

func (s *gedStage) ApplyResults(ctx context.Context, docs []*DocumentUnit, outcome *batch.Outcome, store ArtifactStore) []StageResult {
	groups := groupByDoc(outcome)
	out := make([]StageResult, 0, len(docs))
	for _, d := range docs {
		res, ok := settle(d.ID, s.name, groups[d.ID])
		if !ok {
			out = append(out, res)
			continue
		}
		paras, err := essaySentences(d)
		if err != nil {
			out = append(out, failedResult(d.ID, s.name, err))
			continue
		}

		var art Corrected
		for p, sentences := range paras {
			for i, original := range sentences {
				r, found := outcome.Get(itemKey(d.ID, p, i))
				if !found || r.Status != constants.BatchOK {
					continue
				}
				fixed := cleanSentence(answerText(r))
				if fixed == "" || fixed == original {
					continue
				}
				art.Flagged++
				if len(art.Corrections) >= s.maxCorrections {
					continue
				}
				sentences[i] = fixed
				art.Corrections = append(art.Corrections, Correction{Paragraph: p, Sentence: i, Original: original, Corrected: fixed})
			}
			art.Paragraphs = append(art.Paragraphs, strings.Join(sentences, " "))
		}
		out = append(out, commit(ctx, store, res, art))
	}
	return out
}

// cleanSentence strips quoting and commentary models wrap around a sentence.
func cleanSentence(s string) string {
	s = strings.TrimSpace(s)
	if line, _, found := strings.Cut(s, "\n"); found {
		s = strings.TrimSpace(line)
	}
	for _, prefix := range []string{"Corrected sentence:", "Corrected:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	return strings.Trim(s, "\"“”")
}
