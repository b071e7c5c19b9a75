// Package errors defines the typed errors surfaced by Strata's scheduling
// and execution layers.
package errors

import (
	"fmt"

	"github.com/go-strata/strata"
)

// InvalidPlanError occurs when a submitted plan or its stage graph is
// malformed. It is never retried.
type InvalidPlanError struct{ Reason string }

// Error returns a textual representation of this InvalidPlanError
func (e InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid plan: %s", e.Reason)
}

// TaskFailedError occurs when a task attempt fails during execution
// (operator error, malformed input, fetch escalation). The scheduler
// retries it up to the configured attempt budget.
type TaskFailedError struct {
	Job       string
	Stage     int
	Partition int
	Attempt   int
	Cause     error
}

// Error returns a textual representation of this TaskFailedError
func (e TaskFailedError) Error() string {
	return fmt.Sprintf("task %s/%d/%d attempt %d failed: %v", e.Job, e.Stage, e.Partition, e.Attempt, e.Cause)
}

// Unwrap exposes the underlying cause
func (e TaskFailedError) Unwrap() error { return e.Cause }

// WorkerLostError occurs when a worker misses its death timeout or a
// message names a worker the scheduler no longer tracks.
type WorkerLostError struct{ WorkerID string }

// Error returns a textual representation of this WorkerLostError
func (e WorkerLostError) Error() string {
	return fmt.Sprintf("worker %s is not available", e.WorkerID)
}

// PartitionNotFoundError occurs when a fetched shuffle partition was
// evicted, lost, or never produced on the serving worker.
type PartitionNotFoundError struct {
	Job       string
	Stage     int
	Partition int
}

// Error returns a textual representation of this PartitionNotFoundError
func (e PartitionNotFoundError) Error() string {
	return fmt.Sprintf("shuffle partition %s/%d/%d not found", e.Job, e.Stage, e.Partition)
}

// FetchTimeoutError occurs when a shuffle fetch exceeds its deadline or
// the holder is unreachable.
type FetchTimeoutError struct {
	Addr  string
	Cause error
}

// Error returns a textual representation of this FetchTimeoutError
func (e FetchTimeoutError) Error() string {
	return fmt.Sprintf("fetch from %s timed out: %v", e.Addr, e.Cause)
}

// Unwrap exposes the underlying cause
func (e FetchTimeoutError) Unwrap() error { return e.Cause }

// NoSuchJobError occurs when a job id is unknown or already garbage-collected
type NoSuchJobError struct{ Job string }

// Error returns a textual representation of this NoSuchJobError
func (e NoSuchJobError) Error() string {
	return fmt.Sprintf("no such job %s", e.Job)
}

// JobFailedError is the terminal error of a failed job, carrying the
// failing stage and task for diagnostics.
type JobFailedError struct {
	Job       string
	Stage     int
	Partition int
	Cause     error
}

// Error returns a textual representation of this JobFailedError
func (e JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed at stage %d partition %d: %v", e.Job, e.Stage, e.Partition, e.Cause)
}

// Unwrap exposes the underlying cause
func (e JobFailedError) Unwrap() error { return e.Cause }

// JobCancelledError occurs when a job was cancelled by the client
type JobCancelledError struct{ Job string }

// Error returns a textual representation of this JobCancelledError
func (e JobCancelledError) Error() string {
	return fmt.Sprintf("job %s was cancelled", e.Job)
}

// JobNotCompletedError occurs when results are requested for a job which
// has not completed
type JobNotCompletedError struct {
	Job   string
	State strata.JobState
}

// Error returns a textual representation of this JobNotCompletedError
func (e JobNotCompletedError) Error() string {
	return fmt.Sprintf("job %s has no result in state %s", e.Job, e.State)
}
