package strata

import (
	"fmt"
	"time"
)

// JobState describes where a Job is in its lifecycle
type JobState int

const (
	// JobSubmitted indicates a Job has been accepted but no task has run
	JobSubmitted JobState = iota
	// JobRunning indicates at least one task of the Job has been assigned
	JobRunning
	// JobCompleted indicates the terminal stage finished and results are readable
	JobCompleted
	// JobFailed indicates a stage exhausted its retries
	JobFailed
	// JobCancelled indicates the client cancelled the Job
	JobCancelled
)

// String returns the name of a JobState
func (s JobState) String() string {
	switch s {
	case JobSubmitted:
		return "submitted"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal returns true iff no further state transition is possible
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// StageState describes where a Stage is in its lifecycle
type StageState int

const (
	// StagePending indicates not all dependencies of the Stage are complete
	StagePending StageState = iota
	// StageReady indicates all dependencies are complete and tasks may be assigned
	StageReady
	// StageRunning indicates at least one task of the Stage has been assigned
	StageRunning
	// StageCompleted indicates every task of the Stage completed
	StageCompleted
	// StageFailed indicates a task of the Stage exhausted its retries
	StageFailed
)

// String returns the name of a StageState
func (s StageState) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageReady:
		return "ready"
	case StageRunning:
		return "running"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// TaskState describes where a Task attempt is in its lifecycle
type TaskState int

const (
	// TaskQueued indicates the Task awaits assignment
	TaskQueued TaskState = iota
	// TaskScheduled indicates the Task was handed to a worker which has not
	// yet acknowledged execution
	TaskScheduled
	// TaskRunning indicates the worker acknowledged execution
	TaskRunning
	// TaskCompleted indicates the Task published its output partition
	TaskCompleted
	// TaskFailed indicates the most recent attempt failed
	TaskFailed
)

// String returns the name of a TaskState
func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskScheduled:
		return "scheduled"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// WorkerState describes the scheduler's view of a worker's liveness
type WorkerState int

const (
	// WorkerActive indicates recent heartbeats; the worker is assignable
	WorkerActive WorkerState = iota
	// WorkerSuspected indicates missed heartbeats; no new assignments, but
	// held partitions are still served
	WorkerSuspected
	// WorkerDead indicates the death timeout elapsed; held partitions are lost
	WorkerDead
)

// String returns the name of a WorkerState
func (s WorkerState) String() string {
	switch s {
	case WorkerActive:
		return "active"
	case WorkerSuspected:
		return "suspected"
	case WorkerDead:
		return "dead"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// TaskID identifies a Task: one output partition of one stage of one job.
// Identity is stable across attempts.
type TaskID struct {
	Job       string `json:"job"`
	Stage     int    `json:"stage"`
	Partition int    `json:"partition"`
}

// String renders a TaskID as job/stage/partition
func (t TaskID) String() string {
	return fmt.Sprintf("%s/%d/%d", t.Job, t.Stage, t.Partition)
}

// PartitionStats summarizes one written shuffle partition
type PartitionStats struct {
	Partition int   `json:"partition"`
	Batches   int64 `json:"batches"`
	Rows      int64 `json:"rows"`
	Bytes     int64 `json:"bytes"`
}

// PartitionLocation names the worker currently holding a shuffle partition
type PartitionLocation struct {
	Partition int            `json:"partition"`
	WorkerID  string         `json:"worker_id"`
	Addr      string         `json:"addr"`
	Stats     PartitionStats `json:"stats"`
}

// StageStatus is a point-in-time view of one stage of a job
type StageStatus struct {
	ID             int        `json:"id"`
	State          StageState `json:"state"`
	Partitions     int        `json:"partitions"`
	CompletedTasks int        `json:"completed_tasks"`
	Rows           int64      `json:"rows"`
	Bytes          int64      `json:"bytes"`
}

// JobStatus is a point-in-time view of a job
type JobStatus struct {
	ID            string        `json:"id"`
	State         JobState      `json:"state"`
	Stages        []StageStatus `json:"stages"`
	TerminalStage int           `json:"terminal_stage"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
	Failure       string        `json:"failure,omitempty"`
}

// JobResult locates the output partitions of a completed job
type JobResult struct {
	ID         string              `json:"id"`
	Stage      int                 `json:"stage"`
	Schema     Schema              `json:"schema"`
	Partitions []PartitionLocation `json:"partitions"`
}
