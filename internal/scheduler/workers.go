package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log/level"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/wire"
)

// RegisterWorker adds a worker to the pool. Registering an ID the scheduler
// already tracks means the worker process restarted, so whatever it held is
// treated as lost before the fresh registration takes effect.
func (s *State) RegisterWorker(id, addr string, slots int) error {
	if id == "" || slots < 1 {
		return fmt.Errorf("invalid registration: id %q, %d slots", id, slots)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.workers[id]; ok {
		s.cascade(prev)
		s.metrics.dropWorker(prev.state)
		level.Info(s.logger).Log("msg", "worker re-registered", "worker", id, "addr", addr, "slots", slots)
	} else {
		level.Info(s.logger).Log("msg", "worker registered", "worker", id, "addr", addr, "slots", slots)
	}
	s.workers[id] = &worker{
		id:       id,
		addr:     addr,
		slots:    slots,
		state:    strata.WorkerActive,
		lastSeen: s.clock(),
		inflight: make(map[strata.TaskID]struct{}),
	}
	s.metrics.addWorker(strata.WorkerActive)
	return nil
}

// Heartbeat marks the worker alive and reconciles its in-flight snapshot
// against the scheduler's view. It returns the jobs the worker should keep
// running and the completed jobs whose partitions it must keep serving. An
// unknown or dead worker gets WorkerLostError and is expected to
// re-register.
func (s *State) Heartbeat(workerID string, tasks []wire.TaskSnapshot) (active, keep []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok || w.state == strata.WorkerDead {
		return nil, nil, &serrors.WorkerLostError{WorkerID: workerID}
	}
	s.touch(w)
	s.reconcile(w, tasks)
	for id, j := range s.jobs {
		switch {
		case !j.state.Terminal():
			active = append(active, id)
		case j.state == strata.JobCompleted:
			keep = append(keep, id)
		}
	}
	sort.Strings(active)
	sort.Strings(keep)
	return active, keep, nil
}

// reconcile requeues tasks the scheduler believes are running on the worker
// but the worker's own snapshot no longer mentions, which happens when an
// assignment or its report got lost. The grace period keeps a poll reply
// that crossed the heartbeat on the wire from being treated as lost.
// Callers hold s.mu.
func (s *State) reconcile(w *worker, snapshot []wire.TaskSnapshot) {
	if len(w.inflight) == 0 {
		return
	}
	known := make(map[strata.TaskID]struct{}, len(snapshot))
	for _, ts := range snapshot {
		known[ts.Task] = struct{}{}
	}
	now := s.clock()
	for id := range w.inflight {
		if _, ok := known[id]; ok {
			continue
		}
		j, st, t, ok := s.lookupTask(id)
		if !ok || t.worker != w.id ||
			(t.state != strata.TaskScheduled && t.state != strata.TaskRunning) {
			delete(w.inflight, id)
			continue
		}
		if now.Sub(t.assignedAt) < s.cfg.SuspectTimeout {
			continue
		}
		delete(w.inflight, id)
		if j.state.Terminal() {
			continue
		}
		s.enqueue(t)
		s.metrics.task(eventRequeued)
		s.refreshStage(j, st)
		level.Warn(s.logger).Log("msg", "task dropped by worker, requeued",
			"task", id, "worker", w.id, "attempt", t.attempt)
	}
}

// SweepLiveness advances worker liveness. Active workers silent past
// SuspectTimeout stop receiving assignments; suspected workers silent past
// WorkerDeadTimeout are declared dead and their storage is written off.
func (s *State) SweepLiveness(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		silent := now.Sub(w.lastSeen)
		switch w.state {
		case strata.WorkerActive:
			if silent >= s.cfg.SuspectTimeout {
				s.setWorkerState(w, strata.WorkerSuspected)
				level.Warn(s.logger).Log("msg", "worker suspected", "worker", w.id, "silent", silent)
			}
		case strata.WorkerSuspected:
			if silent >= s.cfg.WorkerDeadTimeout {
				s.setWorkerState(w, strata.WorkerDead)
				level.Warn(s.logger).Log("msg", "worker dead", "worker", w.id, "silent", silent)
				s.cascade(w)
			}
		}
	}
}

// cascade writes off everything a worker held. In-flight tasks fail with
// WorkerLostError and take the normal retry path. Completed tasks whose
// output partition lived on the worker demote back to Queued so the
// partition is recomputed; consumer stages that lose a dependency drop out
// of the assignable set until it completes again, while their running tasks
// are left to finish or fail their fetches. Terminal jobs are not touched.
// Callers hold s.mu.
func (s *State) cascade(w *worker) {
	for id := range w.inflight {
		j, st, t, ok := s.lookupTask(id)
		if !ok || j.state.Terminal() || t.worker != w.id {
			continue
		}
		if t.state != strata.TaskScheduled && t.state != strata.TaskRunning {
			continue
		}
		s.taskFailed(j, st, t, &serrors.WorkerLostError{WorkerID: w.id})
	}
	w.inflight = make(map[strata.TaskID]struct{})
	for _, j := range s.jobs {
		if j.state.Terminal() {
			continue
		}
		demoted := false
		for _, st := range j.stages {
			for _, t := range st.tasks {
				if t.state == strata.TaskCompleted && t.outputWorker == w.id {
					s.enqueue(t)
					s.metrics.task(eventDemoted)
					demoted = true
					level.Warn(s.logger).Log("msg", "partition lost, task demoted", "task", t.id, "worker", w.id)
				}
			}
		}
		if demoted {
			for _, st := range j.stages {
				s.refreshStage(j, st)
			}
		}
	}
}

// touch marks a worker alive. A suspected worker goes straight back to
// Active; a dead one stays dead until it re-registers. Callers hold s.mu.
func (s *State) touch(w *worker) {
	w.lastSeen = s.clock()
	if w.state == strata.WorkerSuspected {
		s.setWorkerState(w, strata.WorkerActive)
		level.Info(s.logger).Log("msg", "worker reactivated", "worker", w.id)
	}
}

// setWorkerState moves a worker between liveness states, keeping the
// metrics in step. Callers hold s.mu.
func (s *State) setWorkerState(w *worker, next strata.WorkerState) {
	if w.state == next {
		return
	}
	s.metrics.moveWorker(w.state, next)
	w.state = next
}
