package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/manifest"
	"github.com/seqmr/seqmr/pkg/core"
)

type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// TaskState transitions are monotonic: Pending -> Running -> Succeeded or
// Failed, and Failed -> Retrying -> Running while budget remains.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateSucceeded TaskState = "SUCCEEDED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateRetrying  TaskState = "RETRYING"
)

// Task is one invocation of a stage body against one input partition set.
type Task struct {
	ID     uuid.UUID
	Spec   backend.TaskSpec
	State  TaskState
	Handle backend.Handle
	Reason string

	StartedAt *time.Time
	EndedAt   *time.Time

	pollFailures int
}

// Job is one end-to-end run of the stage chain over one manifest.
type Job struct {
	RunID    uuid.UUID
	Pipeline *core.Pipeline
	Entries  []manifest.Entry

	MaxAttempts       int
	PollInterval      time.Duration
	KeepIntermediates bool
}

func NewJob(pipeline *core.Pipeline, entries []manifest.Entry) *Job {
	return &Job{
		RunID:        uuid.New(),
		Pipeline:     pipeline,
		Entries:      entries,
		MaxAttempts:  3,
		PollInterval: 200 * time.Millisecond,
	}
}

// StageStats is the progress report for one stage. Counters only ever
// increase.
type StageStats struct {
	Name      string
	Kind      core.StageKind
	Total     int
	Submitted int
	Succeeded int
	Failed    int
	Retried   int
}

// JobResult is what a run leaves behind besides its output partitions.
type JobResult struct {
	RunID  string
	State  JobState
	Stages []StageStats

	CacheHits   uint64
	CacheMisses uint64
	CacheRaces  uint64
	RecordsOut  uint64

	// FirstFailure is the captured diagnostic of the first task that
	// exhausted its retry budget.
	FirstFailure string

	// OutputDir is the workroot-relative directory holding the final
	// stage's partitions.
	OutputDir string

	Elapsed time.Duration
}
