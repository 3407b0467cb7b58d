package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// ArtifactRef points at one stage's output for one document.
type ArtifactRef struct {
	Key  string          `json:"key"`
	Path string          `json:"path,omitempty"`
	Data json.RawMessage `json:"-"`
}

// StageResult is the per-document outcome of one stage.
type StageResult struct {
	DocID            string                `json:"doc_id"`
	Stage            constants.Stage       `json:"stage"`
	Status           constants.StageStatus `json:"status"`
	Artifact         *ArtifactRef          `json:"artifact,omitempty"`
	Error            *common.Detail        `json:"error,omitempty"`
	Warnings         []string              `json:"warnings,omitempty"`
	Tasks            int                   `json:"tasks"`
	PromptTokens     int                   `json:"prompt_tokens,omitempty"`
	CompletionTokens int                   `json:"completion_tokens,omitempty"`
}

func (r StageResult) OK() bool { return r.Status == constants.StageOK }

func okResult(docID string, stage constants.Stage, ref ArtifactRef) StageResult {
	return StageResult{DocID: docID, Stage: stage, Status: constants.StageOK, Artifact: &ref}
}

func skippedResult(docID string, stage constants.Stage, err error) StageResult {
	return StageResult{DocID: docID, Stage: stage, Status: constants.StageSkipped, Error: common.DetailOf(err)}
}

func failedResult(docID string, stage constants.Stage, err error) StageResult {
	return StageResult{DocID: docID, Stage: stage, Status: constants.StageFailed, Error: common.DetailOf(err)}
}

// DocumentUnit tracks one input document through a run.
type DocumentUnit struct {
	ID         string                          `json:"id"`
	Source     string                          `json:"source"`
	RelPath    string                          `json:"rel_path"`
	Submission string                          `json:"submission,omitempty"`
	Kind       constants.DocumentKind          `json:"kind"`
	Artifacts  map[constants.Stage]ArtifactRef `json:"artifacts"`
	Results    map[constants.Stage]StageResult `json:"results"`
}

func NewDocumentUnit(source, relPath, submission string, kind constants.DocumentKind) *DocumentUnit {
	return &DocumentUnit{
		ID:         DocumentID(source, relPath),
		Source:     source,
		RelPath:    filepath.ToSlash(relPath),
		Submission: submission,
		Kind:       kind,
		Artifacts:  map[constants.Stage]ArtifactRef{},
		Results:    map[constants.Stage]StageResult{},
	}
}

// Result returns the recorded result for stage.
func (d *DocumentUnit) Result(stage constants.Stage) (StageResult, bool) {
	r, ok := d.Results[stage]
	return r, ok
}

// Artifact returns the in-memory payload stage produced for this document.
func (d *DocumentUnit) Artifact(stage constants.Stage) (json.RawMessage, bool) {
	ref, ok := d.Artifacts[stage]
	if !ok || len(ref.Data) == 0 {
		return nil, false
	}
	return ref.Data, true
}

func (d *DocumentUnit) record(r StageResult) {
	d.Results[r.Stage] = r
	if r.OK() && r.Artifact != nil {
		d.Artifacts[r.Stage] = *r.Artifact
	} else {
		delete(d.Artifacts, r.Stage)
	}
}

// DocumentID derives a stable id for a document: a readable slug of its path
// relative to the input root plus 8 hex chars of the SHA-256 of its cleaned
// absolute source path. Files that slug alike, or share a relative path under
// different input roots, never share an id.
func DocumentID(source, relPath string) string {
	rel := filepath.ToSlash(filepath.Clean(relPath))
	abs := source
	if a, err := filepath.Abs(source); err == nil {
		abs = a
	}
	sum := sha256.Sum256([]byte(filepath.ToSlash(filepath.Clean(abs))))
	return slug(strings.TrimSuffix(rel, filepath.Ext(rel))) + "-" + hex.EncodeToString(sum[:4])
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 48 {
		out = strings.TrimSuffix(out[:48], "-")
	}
	if out == "" {
		out = "doc"
	}
	return out
}
