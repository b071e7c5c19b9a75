package scheduler

import (
	"errors"

	"github.com/go-kit/log/level"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/wire"
)

// ReportTaskStatus records the outcome of a task attempt. The returned flag
// tells the worker that the task's job is no longer active, so it can abort
// the job's remaining tasks without waiting for a heartbeat. A report whose
// attempt is not the task's current one only releases the reporting
// worker's slot; the task itself is left alone.
func (s *State) ReportTaskStatus(workerID string, rep *wire.TaskStatusRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok || w.state == strata.WorkerDead {
		return false, &serrors.WorkerLostError{WorkerID: workerID}
	}
	s.touch(w)
	if rep.State != strata.TaskRunning {
		delete(w.inflight, rep.Task)
	}
	j, st, t, ok := s.lookupTask(rep.Task)
	if !ok || j.state.Terminal() {
		return true, nil
	}
	if rep.Attempt != t.attempt {
		s.metrics.task(eventStale)
		level.Debug(s.logger).Log("msg", "stale task report ignored", "task", rep.Task,
			"reported", rep.Attempt, "current", t.attempt, "worker", workerID)
		return false, nil
	}
	switch rep.State {
	case strata.TaskRunning:
		if t.state == strata.TaskScheduled && t.worker == workerID {
			t.state = strata.TaskRunning
		}
	case strata.TaskCompleted:
		if t.state == strata.TaskCompleted {
			return false, nil
		}
		t.state = strata.TaskCompleted
		t.outputWorker = workerID
		t.lastErr = nil
		t.stats = strata.PartitionStats{Partition: t.id.Partition}
		if rep.Stats != nil {
			t.stats = *rep.Stats
		}
		s.metrics.task(eventCompleted)
		s.refreshStage(j, st)
		if st.state == strata.StageCompleted {
			s.stageCompleted(j, st)
		}
	case strata.TaskFailed:
		if t.state != strata.TaskScheduled && t.state != strata.TaskRunning {
			return false, nil
		}
		cause := rep.Error.Decode()
		if cause == nil {
			cause = errors.New("task failed with no reported cause")
		}
		s.taskFailed(j, st, t, cause)
		return j.state.Terminal(), nil
	default:
		level.Warn(s.logger).Log("msg", "ignoring task report in unexpected state",
			"task", rep.Task, "state", rep.State)
	}
	return false, nil
}

// taskFailed runs the retry policy for one failed attempt: requeue until the
// budget is spent, then fail the whole job. Callers hold s.mu.
func (s *State) taskFailed(j *job, st *stage, t *task, cause error) {
	t.failures++
	t.lastErr = cause
	s.metrics.task(eventFailed)
	if t.failures > s.cfg.TaskRetries {
		t.state = strata.TaskFailed
		s.failJob(j, st, t, cause)
		return
	}
	s.enqueue(t)
	s.refreshStage(j, st)
	level.Debug(s.logger).Log("msg", "task requeued after failure",
		"task", t.id, "failures", t.failures, "err", cause)
}
