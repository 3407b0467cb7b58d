package constants

// Stage names one pipeline phase. The string is also the artifact key suffix.
type Stage string

const (
	StagePreparation   Stage = "preparation"
	StageMetadata      Stage = "metadata"
	StageGED           Stage = "ged"
	StageTopicFeedback Stage = "topic-feedback"
	StageConclusion    Stage = "conclusion"
	StageBody          Stage = "body"
	StageContent       Stage = "content"
	StageSummarize     Stage = "summarize"
)

// ArtifactExplain keys the per-document run explanation. It is not a stage
// and never appears in StageOrder.
const ArtifactExplain Stage = "explain"

// StageOrder is the fixed execution order of a full run.
var StageOrder = []Stage{
	StagePreparation,
	StageMetadata,
	StageGED,
	StageTopicFeedback,
	StageConclusion,
	StageBody,
	StageContent,
	StageSummarize,
}

// StageIndex returns the position of s in StageOrder, or -1.
func StageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Backend names used to address supervised servers.
const (
	BackendLLM = "llm"
	BackendOCR = "ocr"
)
