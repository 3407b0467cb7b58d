package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Prepared is the preparation artifact: the document's raw paragraphs.
type Prepared struct {
	Source     string                 `json:"source"`
	Kind       constants.DocumentKind `json:"kind"`
	Method     string                 `json:"method"`
	Paragraphs []string               `json:"paragraphs"`
	Warnings   []string               `json:"warnings,omitempty"`
}

// Metadata separates the submission header from the essay body.
type Metadata struct {
	StudentName   string `json:"student_name"`
	StudentNumber string `json:"student_number,omitempty"`
	EssayTitle    string `json:"essay_title"`
	Essay         string `json:"essay"`
	Extraneous    string `json:"extraneous,omitempty"`
}

type Correction struct {
	Paragraph int    `json:"paragraph"`
	Sentence  int    `json:"sentence"`
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
}

// Corrected is the grammar stage artifact: essay paragraphs with at most
// MaxCorrections sentences rewritten.
type Corrected struct {
	Paragraphs  []string     `json:"paragraphs"`
	Corrections []Correction `json:"corrections"`
	Flagged     int          `json:"flagged"`
}

type TopicFeedback struct {
	LearnerTopicSentence string `json:"learner_topic_sentence"`
	GoodTopicSentence    string `json:"good_topic_sentence"`
	Feedback             string `json:"feedback"`
}

type ConclusionFeedback struct {
	Paragraph string `json:"paragraph"`
	Feedback  string `json:"feedback"`
}

type BodyParagraphFeedback struct {
	Index           int    `json:"index"`
	Hedging         string `json:"hedging,omitempty"`
	CauseEffect     string `json:"cause_effect,omitempty"`
	CompareContrast string `json:"compare_contrast,omitempty"`
}

type BodyFeedback struct {
	Paragraphs []BodyParagraphFeedback `json:"paragraphs"`
}

type ContentFeedback struct {
	Feedback string `json:"feedback"`
}

type Summary struct {
	StudentName   string `json:"student_name,omitempty"`
	EssayTitle    string `json:"essay_title,omitempty"`
	FinalFeedback string `json:"final_feedback"`
}

// loadArtifact decodes stage's artifact for d. A missing or unreadable
// artifact is a DependencyMissingError.
func loadArtifact(d *DocumentUnit, stage constants.Stage, out any) error {
	if r, ok := d.Result(stage); !ok || !r.OK() {
		return common.NewDependencyMissingError(fmt.Sprintf("%s result for %s is not ok", stage, d.ID), nil)
	}
	raw, ok := d.Artifact(stage)
	if !ok {
		return common.NewDependencyMissingError(fmt.Sprintf("%s artifact for %s is missing", stage, d.ID), nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return common.NewDependencyMissingError(fmt.Sprintf("%s artifact for %s is unreadable", stage, d.ID), err)
	}
	return nil
}

// essayParagraphs returns the corrected essay body.
func essayParagraphs(d *DocumentUnit) ([]string, error) {
	var c Corrected
	if err := loadArtifact(d, constants.StageGED, &c); err != nil {
		return nil, err
	}
	if len(c.Paragraphs) == 0 {
		return nil, common.NewDependencyMissingError("corrected essay for "+d.ID+" has no paragraphs", nil)
	}
	return c.Paragraphs, nil
}
