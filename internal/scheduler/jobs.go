package scheduler

import (
	"time"

	"github.com/go-kit/log/level"
	"github.com/gofrs/uuid"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/plan"
)

// SubmitJob admits a stage graph, creates one task per output partition of
// every stage, and queues the tasks of dependency-free stages. The graph is
// revalidated here so a malformed one is rejected no matter who built it.
func (s *State) SubmitJob(graph *plan.StageGraph) (string, error) {
	if err := plan.ValidateGraph(graph); err != nil {
		return "", err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &job{
		id:          id.String(),
		graph:       graph,
		state:       strata.JobSubmitted,
		submittedAt: s.clock(),
	}
	for _, spec := range graph.Stages {
		st := &stage{spec: spec, tasks: make([]*task, spec.Partitions)}
		for p := range st.tasks {
			st.tasks[p] = &task{id: strata.TaskID{Job: j.id, Stage: spec.ID, Partition: p}}
		}
		j.stages = append(j.stages, st)
	}
	for _, st := range j.stages {
		s.refreshStage(j, st)
	}
	s.jobs[j.id] = j
	s.metrics.addJob(j.state)
	level.Info(s.logger).Log("msg", "job submitted", "job", j.id,
		"stages", len(j.stages), "tasks", graph.NumTasks(), "terminal", graph.Terminal)
	return j.id, nil
}

// CancelJob moves a job to Cancelled. Queued tasks stop being assignable at
// once; running tasks are aborted by their workers through report acks and
// heartbeats. Cancelling a terminal job is a no-op.
func (s *State) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return &serrors.NoSuchJobError{Job: id}
	}
	if j.state.Terminal() {
		return nil
	}
	j.failure = &serrors.JobCancelledError{Job: id}
	s.setJobState(j, strata.JobCancelled)
	j.finishedAt = s.clock()
	level.Info(s.logger).Log("msg", "job cancelled", "job", id)
	return nil
}

// JobStatus snapshots a job's stage and task progress.
func (s *State) JobStatus(id string) (*strata.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &serrors.NoSuchJobError{Job: id}
	}
	status := &strata.JobStatus{
		ID:            j.id,
		State:         j.state,
		TerminalStage: j.graph.Terminal,
		SubmittedAt:   j.submittedAt,
		FinishedAt:    j.finishedAt,
	}
	if j.failure != nil {
		status.Failure = j.failure.Error()
	}
	for _, st := range j.stages {
		ss := strata.StageStatus{ID: st.spec.ID, State: st.state, Partitions: len(st.tasks)}
		for _, t := range st.tasks {
			if t.state == strata.TaskCompleted {
				ss.CompletedTasks++
				ss.Rows += t.stats.Rows
				ss.Bytes += t.stats.Bytes
			}
		}
		status.Stages = append(status.Stages, ss)
	}
	return status, nil
}

// JobResult returns the frozen result locations of a completed job. A failed
// or cancelled job returns its terminal error; a live one returns
// JobNotCompletedError.
func (s *State) JobResult(id string) (*strata.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &serrors.NoSuchJobError{Job: id}
	}
	switch {
	case j.state == strata.JobCompleted:
		return &strata.JobResult{
			ID:         j.id,
			Stage:      j.graph.Terminal,
			Schema:     j.graph.ResultSchema,
			Partitions: append([]strata.PartitionLocation(nil), j.result...),
		}, nil
	case j.state.Terminal():
		return nil, j.failure
	default:
		return nil, &serrors.JobNotCompletedError{Job: id, State: j.state}
	}
}

// SweepRetention forgets terminal jobs older than ResultRetention and
// returns how many were dropped. Once a job is forgotten its results stop
// being fetchable and workers evict its partitions.
func (s *State) SweepRetention(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, j := range s.jobs {
		if j.state.Terminal() && now.Sub(j.finishedAt) >= s.cfg.ResultRetention {
			delete(s.jobs, id)
			s.metrics.dropJob(j.state)
			dropped++
			level.Debug(s.logger).Log("msg", "job forgotten", "job", id, "state", j.state)
		}
	}
	return dropped
}

// setJobState moves a job between states, keeping the metrics in step.
// Callers hold s.mu.
func (s *State) setJobState(j *job, next strata.JobState) {
	if j.state == next {
		return
	}
	s.metrics.moveJob(j.state, next)
	j.state = next
}

// stageCompleted runs the readiness propagation after a stage completes:
// pending consumers whose dependencies are now all complete become Ready,
// and completion of the terminal stage completes the job. Callers hold s.mu.
func (s *State) stageCompleted(j *job, st *stage) {
	level.Info(s.logger).Log("msg", "stage completed", "job", j.id, "stage", st.spec.ID, "tasks", len(st.tasks))
	if st.spec.ID == j.graph.Terminal {
		s.completeJob(j)
		return
	}
	for _, consumer := range j.stages {
		if consumer.state == strata.StagePending {
			s.refreshStage(j, consumer)
		}
	}
}

// completeJob freezes the result partition locations and marks the job
// Completed. Callers hold s.mu.
func (s *State) completeJob(j *job) {
	term := j.stages[j.graph.Terminal]
	j.result = make([]strata.PartitionLocation, len(term.tasks))
	for p, t := range term.tasks {
		addr := ""
		if w, ok := s.workers[t.outputWorker]; ok {
			addr = w.addr
		}
		j.result[p] = strata.PartitionLocation{Partition: p, WorkerID: t.outputWorker, Addr: addr, Stats: t.stats}
	}
	s.setJobState(j, strata.JobCompleted)
	j.finishedAt = s.clock()
	level.Info(s.logger).Log("msg", "job completed", "job", j.id, "elapsed", j.finishedAt.Sub(j.submittedAt))
}

// failJob records the cause chain and moves the job to Failed. Callers hold
// s.mu.
func (s *State) failJob(j *job, st *stage, t *task, cause error) {
	st.state = strata.StageFailed
	j.failure = &serrors.JobFailedError{Job: j.id, Stage: st.spec.ID, Partition: t.id.Partition, Cause: cause}
	s.setJobState(j, strata.JobFailed)
	j.finishedAt = s.clock()
	level.Warn(s.logger).Log("msg", "job failed", "job", j.id,
		"stage", st.spec.ID, "partition", t.id.Partition, "failures", t.failures, "err", cause)
}
