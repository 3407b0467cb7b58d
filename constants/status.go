package constants

// JobState is the lifecycle state of an asynchronous job.
type JobState string

// Stable values (persisted by the job stores).
const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCanceled
}

// ServerState is the lifecycle state of a supervised inference server.
type ServerState string

const (
	ServerStopped  ServerState = "stopped"
	ServerStarting ServerState = "starting"
	ServerReady    ServerState = "ready"
	ServerStopping ServerState = "stopping"
	ServerCrashed  ServerState = "crashed"
)

// StageStatus is the per-document outcome of one stage.
type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageSkipped StageStatus = "skipped"
	StageFailed  StageStatus = "failed"
)

// RunState is the state of one orchestrator run.
type RunState string

const (
	RunNotStarted RunState = "not_started"
	RunRunning    RunState = "running"
	RunCompleted  RunState = "completed"
	RunAborted    RunState = "aborted"
)

// BatchStatus is the per-item outcome inside a batch.
type BatchStatus string

const (
	BatchOK        BatchStatus = "ok"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)
