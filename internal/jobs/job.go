package jobs

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// ProgressSnapshot is the last reported progress of a job.
type ProgressSnapshot struct {
	Stage     string `json:"stage,omitempty"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// Job is a point-in-time snapshot. Result and Error are set once terminal;
// an aborted run may carry both.
type Job struct {
	ID         string             `json:"id"`
	Kind       string             `json:"kind"`
	State      constants.JobState `json:"state"`
	Progress   ProgressSnapshot   `json:"progress"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Error      *common.Detail     `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func (j Job) clone() Job {
	out := j
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
