package wire

import (
	"errors"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/plan"
)

// RegisterRequest announces a worker to the scheduler. Addr is the worker's
// data channel address, where its shuffle partitions can be fetched.
type RegisterRequest struct {
	WorkerID string `json:"worker_id"`
	Addr     string `json:"addr"`
	Slots    int    `json:"slots"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct{}

// TaskSnapshot is one in-flight task as the worker sees it.
type TaskSnapshot struct {
	Task    strata.TaskID    `json:"task"`
	Attempt int              `json:"attempt"`
	State   strata.TaskState `json:"state"`
}

// HeartbeatRequest reports a worker as alive, with a snapshot of the tasks
// it is currently running.
type HeartbeatRequest struct {
	WorkerID string         `json:"worker_id"`
	Tasks    []TaskSnapshot `json:"tasks,omitempty"`
}

// HeartbeatResponse carries the scheduler's view of which jobs still matter.
// Workers abort running tasks of jobs absent from ActiveJobs, and evict the
// shuffle partitions of jobs absent from both lists once the retention grace
// elapses. KeepJobs names completed jobs whose result partitions must stay
// fetchable until the scheduler garbage-collects them.
type HeartbeatResponse struct {
	ActiveJobs []string `json:"active_jobs"`
	KeepJobs   []string `json:"keep_jobs,omitempty"`
}

// PollRequest asks for one task. The scheduler only assigns a task to a
// worker with a free slot.
type PollRequest struct {
	WorkerID string `json:"worker_id"`
}

// PollResponse carries at most one assignment; Assignment is nil when no
// eligible task is queued.
type PollResponse struct {
	Assignment *Assignment `json:"assignment,omitempty"`
}

// Assignment is one task handed to a worker: the stage subtree to run, the
// output partition to produce, and where every input partition lives.
type Assignment struct {
	Task    strata.TaskID   `json:"task"`
	Attempt int             `json:"attempt"`
	Stage   *plan.StageSpec `json:"stage"`
	// Inputs locates the shuffle partitions of each dependency, indexed by
	// dependency ordinal then partition.
	Inputs [][]strata.PartitionLocation `json:"inputs,omitempty"`
}

// TaskStatusRequest reports a finished task attempt.
type TaskStatusRequest struct {
	WorkerID string                 `json:"worker_id"`
	Task     strata.TaskID          `json:"task"`
	Attempt  int                    `json:"attempt"`
	State    strata.TaskState       `json:"state"`
	Error    *WireError             `json:"error,omitempty"`
	Stats    *strata.PartitionStats `json:"stats,omitempty"`
}

// TaskStatusResponse acknowledges a status report. Cancelled tells the
// worker that the task's job is no longer active, so sibling tasks of the
// same job should be aborted without waiting for the next heartbeat.
type TaskStatusResponse struct {
	Cancelled bool `json:"cancelled,omitempty"`
}

// SubmitRequest submits a plan for execution.
type SubmitRequest struct {
	Plan *strata.Plan `json:"plan"`
}

// SubmitResponse carries the ID assigned to the submitted job.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// JobStatusRequest asks for a job's current status.
type JobStatusRequest struct {
	JobID string `json:"job_id"`
}

// JobStatusResponse carries a job's current status.
type JobStatusResponse struct {
	Status *strata.JobStatus `json:"status"`
}

// JobResultRequest asks where a completed job's result partitions live.
type JobResultRequest struct {
	JobID string `json:"job_id"`
}

// JobResultResponse locates a completed job's result partitions.
type JobResultResponse struct {
	Result *strata.JobResult `json:"result"`
}

// CancelRequest cancels a job.
type CancelRequest struct {
	JobID string `json:"job_id"`
}

// CancelResponse acknowledges a cancellation.
type CancelResponse struct{}

// FetchRequest asks a worker's data channel for one shuffle partition. The
// response is a MsgFetchHeader frame, the segment's bytes as MsgChunk
// frames, then MsgFetchEnd.
type FetchRequest struct {
	Job       string `json:"job"`
	Stage     int    `json:"stage"`
	Partition int    `json:"partition"`
}

// FetchHeader announces the size of the segment about to be streamed.
type FetchHeader struct {
	Size int64 `json:"size"`
}

// WireError carries an engine error across the wire. Kind selects the
// concrete error type on decode; unrecognized kinds decode as plain errors.
type WireError struct {
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	Job       string `json:"job,omitempty"`
	Stage     int    `json:"stage,omitempty"`
	Partition int    `json:"partition,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Worker    string `json:"worker,omitempty"`
	Addr      string `json:"addr,omitempty"`
	State     int    `json:"state,omitempty"`
}

const (
	kindInvalidPlan       = "invalid_plan"
	kindTaskFailed        = "task_failed"
	kindWorkerLost        = "worker_lost"
	kindPartitionNotFound = "partition_not_found"
	kindFetchTimeout      = "fetch_timeout"
	kindNoSuchJob         = "no_such_job"
	kindJobFailed         = "job_failed"
	kindJobCancelled      = "job_cancelled"
	kindJobNotCompleted   = "job_not_completed"
	kindInternal          = "internal"
)

// EncodeError maps an engine error onto its wire form.
func EncodeError(err error) *WireError {
	var (
		invalidPlan  *serrors.InvalidPlanError
		taskFailed   *serrors.TaskFailedError
		workerLost   *serrors.WorkerLostError
		notFound     *serrors.PartitionNotFoundError
		fetchTimeout *serrors.FetchTimeoutError
		noSuchJob    *serrors.NoSuchJobError
		jobFailed    *serrors.JobFailedError
		jobCancelled *serrors.JobCancelledError
		notCompleted *serrors.JobNotCompletedError
	)
	switch {
	case errors.As(err, &invalidPlan):
		return &WireError{Kind: kindInvalidPlan, Reason: invalidPlan.Reason}
	case errors.As(err, &taskFailed):
		we := &WireError{
			Kind:      kindTaskFailed,
			Job:       taskFailed.Job,
			Stage:     taskFailed.Stage,
			Partition: taskFailed.Partition,
			Attempt:   taskFailed.Attempt,
		}
		if taskFailed.Cause != nil {
			we.Reason = taskFailed.Cause.Error()
		}
		return we
	case errors.As(err, &workerLost):
		return &WireError{Kind: kindWorkerLost, Worker: workerLost.WorkerID}
	case errors.As(err, &notFound):
		return &WireError{
			Kind:      kindPartitionNotFound,
			Job:       notFound.Job,
			Stage:     notFound.Stage,
			Partition: notFound.Partition,
		}
	case errors.As(err, &fetchTimeout):
		we := &WireError{Kind: kindFetchTimeout, Addr: fetchTimeout.Addr}
		if fetchTimeout.Cause != nil {
			we.Reason = fetchTimeout.Cause.Error()
		}
		return we
	case errors.As(err, &noSuchJob):
		return &WireError{Kind: kindNoSuchJob, Job: noSuchJob.Job}
	case errors.As(err, &jobFailed):
		we := &WireError{
			Kind:      kindJobFailed,
			Job:       jobFailed.Job,
			Stage:     jobFailed.Stage,
			Partition: jobFailed.Partition,
		}
		if jobFailed.Cause != nil {
			we.Reason = jobFailed.Cause.Error()
		}
		return we
	case errors.As(err, &jobCancelled):
		return &WireError{Kind: kindJobCancelled, Job: jobCancelled.Job}
	case errors.As(err, &notCompleted):
		return &WireError{
			Kind:  kindJobNotCompleted,
			Job:   notCompleted.Job,
			State: int(notCompleted.State),
		}
	default:
		return &WireError{Kind: kindInternal, Reason: err.Error()}
	}
}

// Decode rebuilds the engine error a WireError carries.
func (e *WireError) Decode() error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case kindInvalidPlan:
		return &serrors.InvalidPlanError{Reason: e.Reason}
	case kindTaskFailed:
		return &serrors.TaskFailedError{
			Job:       e.Job,
			Stage:     e.Stage,
			Partition: e.Partition,
			Attempt:   e.Attempt,
			Cause:     errors.New(e.Reason),
		}
	case kindWorkerLost:
		return &serrors.WorkerLostError{WorkerID: e.Worker}
	case kindPartitionNotFound:
		return &serrors.PartitionNotFoundError{Job: e.Job, Stage: e.Stage, Partition: e.Partition}
	case kindFetchTimeout:
		return &serrors.FetchTimeoutError{Addr: e.Addr, Cause: errors.New(e.Reason)}
	case kindNoSuchJob:
		return &serrors.NoSuchJobError{Job: e.Job}
	case kindJobFailed:
		return &serrors.JobFailedError{
			Job:       e.Job,
			Stage:     e.Stage,
			Partition: e.Partition,
			Cause:     errors.New(e.Reason),
		}
	case kindJobCancelled:
		return &serrors.JobCancelledError{Job: e.Job}
	case kindJobNotCompleted:
		return &serrors.JobNotCompletedError{Job: e.Job, State: strata.JobState(e.State)}
	default:
		return errors.New(e.Reason)
	}
}
