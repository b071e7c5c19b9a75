package scheduler

import (
	"sort"

	"github.com/go-kit/log/level"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/wire"
)

// PollForTask hands at most one queued task to the polling worker. A nil
// assignment with nil error means nothing is assignable right now, either
// because the queue is empty or because the worker has no free slot. Tasks
// are considered oldest first; within the locality window a task whose
// inputs mostly sit on the polling worker is preferred over older ones.
func (s *State) PollForTask(workerID string) (*wire.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok || w.state == strata.WorkerDead {
		return nil, &serrors.WorkerLostError{WorkerID: workerID}
	}
	s.touch(w)
	if len(w.inflight) >= w.slots {
		return nil, nil
	}
	t := s.pickTask(w)
	if t == nil {
		return nil, nil
	}
	return s.assign(w, t), nil
}

// pickTask selects the next task for a worker: the first task within the
// locality window whose locality score clears LocalityFraction, else the
// oldest assignable task. Callers hold s.mu.
func (s *State) pickTask(w *worker) *task {
	var candidates []*task
	for _, j := range s.jobs {
		if j.state.Terminal() {
			continue
		}
		for _, st := range j.stages {
			for _, t := range st.tasks {
				if j.assignable(st, t) {
					candidates = append(candidates, t)
				}
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].seq < candidates[b].seq })
	window := s.cfg.LocalityWindow
	if window > len(candidates) {
		window = len(candidates)
	}
	for i := 0; i < window; i++ {
		if s.localityScore(candidates[i], w) >= s.cfg.LocalityFraction {
			return candidates[i]
		}
	}
	return candidates[0]
}

// localityScore is the fraction of the task's input partitions already held
// by the given worker. A stage rooted at an exchange reads every partition
// of every dependency; a narrow stage reads its own partition of each.
// Callers hold s.mu.
func (s *State) localityScore(t *task, w *worker) float64 {
	j := s.jobs[t.id.Job]
	st := j.stages[t.id.Stage]
	total, local := 0, 0
	for _, dep := range st.spec.Deps {
		prod := j.stages[dep]
		if st.spec.Exchange != nil {
			for _, pt := range prod.tasks {
				total++
				if pt.outputWorker == w.id {
					local++
				}
			}
		} else {
			total++
			if prod.tasks[t.id.Partition].outputWorker == w.id {
				local++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(local) / float64(total)
}

// assign moves a queued task onto a worker and builds the wire assignment,
// resolving every input partition to its current holder. Callers hold s.mu.
func (s *State) assign(w *worker, t *task) *wire.Assignment {
	j := s.jobs[t.id.Job]
	st := j.stages[t.id.Stage]
	t.state = strata.TaskScheduled
	t.attempt++
	t.worker = w.id
	t.assignedAt = s.clock()
	w.inflight[t.id] = struct{}{}
	if st.state == strata.StageReady {
		st.state = strata.StageRunning
	}
	if j.state == strata.JobSubmitted {
		s.setJobState(j, strata.JobRunning)
	}
	s.metrics.task(eventAssigned)
	asg := &wire.Assignment{
		Task:    t.id,
		Attempt: t.attempt,
		Stage:   st.spec,
		Inputs:  make([][]strata.PartitionLocation, len(st.spec.Deps)),
	}
	for i, dep := range st.spec.Deps {
		prod := j.stages[dep]
		locs := make([]strata.PartitionLocation, len(prod.tasks))
		for p, pt := range prod.tasks {
			addr := ""
			if pw, ok := s.workers[pt.outputWorker]; ok {
				addr = pw.addr
			}
			locs[p] = strata.PartitionLocation{Partition: p, WorkerID: pt.outputWorker, Addr: addr, Stats: pt.stats}
		}
		asg.Inputs[i] = locs
	}
	level.Debug(s.logger).Log("msg", "task assigned", "task", t.id, "attempt", t.attempt, "worker", w.id)
	return asg
}
