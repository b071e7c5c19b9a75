// Package scheduler holds the control-plane state of a Strata cluster:
// every job with its stages and tasks, every registered worker, and the
// queue of tasks awaiting assignment. All of it lives in one State guarded
// by one mutex; cross references between jobs, tasks and workers are IDs,
// never pointers handed out of the arena.
package scheduler

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/go-strata/strata"
	"github.com/go-strata/strata/internal/plan"
)

// Config carries the scheduling tunables. Zero values are valid: no retries,
// no locality window, immediate retention.
type Config struct {
	// TaskRetries is the number of times a failed task is requeued before
	// its job fails
	TaskRetries int
	// SuspectTimeout is how long a worker may stay silent before it stops
	// receiving assignments
	SuspectTimeout time.Duration
	// WorkerDeadTimeout is how long a worker may stay silent before its
	// partitions are declared lost
	WorkerDeadTimeout time.Duration
	// LocalityFraction is the share of a task's input partitions that must
	// sit on the polling worker for the task to count as local
	LocalityFraction float64
	// LocalityWindow is how many queued tasks are inspected for a local one
	// before falling back to the oldest
	LocalityWindow int
	// ResultRetention is how long a terminal job is kept queryable
	ResultRetention time.Duration
}

// State is the scheduler arena. Every public method takes the one lock, so
// all scheduling decisions are serialized.
type State struct {
	mu      sync.Mutex
	cfg     Config
	logger  log.Logger
	metrics *Metrics
	clock   func() time.Time

	jobs    map[string]*job
	workers map[string]*worker
	seq     uint64
}

type job struct {
	id          string
	graph       *plan.StageGraph
	stages      []*stage
	state       strata.JobState
	submittedAt time.Time
	finishedAt  time.Time
	failure     error
	result      []strata.PartitionLocation
}

type stage struct {
	spec  *plan.StageSpec
	state strata.StageState
	tasks []*task
}

type task struct {
	id       strata.TaskID
	state    strata.TaskState
	attempt  int
	failures int
	// seq orders the queue: tasks are assigned oldest stamp first. A task is
	// restamped every time it re-enters the queue.
	seq          uint64
	worker       string
	assignedAt   time.Time
	outputWorker string
	stats        strata.PartitionStats
	lastErr      error
}

type worker struct {
	id       string
	addr     string
	slots    int
	state    strata.WorkerState
	lastSeen time.Time
	inflight map[strata.TaskID]struct{}
}

// NewState builds an empty scheduler arena. A nil logger discards logs, a
// nil metrics object records nothing, and a nil clock means time.Now.
func NewState(cfg Config, logger log.Logger, metrics *Metrics, clock func() time.Time) *State {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if clock == nil {
		clock = time.Now
	}
	return &State{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
		jobs:    make(map[string]*job),
		workers: make(map[string]*worker),
	}
}

// lookupTask resolves a TaskID inside the arena. Callers hold s.mu.
func (s *State) lookupTask(id strata.TaskID) (*job, *stage, *task, bool) {
	j, ok := s.jobs[id.Job]
	if !ok || id.Stage < 0 || id.Stage >= len(j.stages) {
		return nil, nil, nil, false
	}
	st := j.stages[id.Stage]
	if id.Partition < 0 || id.Partition >= len(st.tasks) {
		return nil, nil, nil, false
	}
	return j, st, st.tasks[id.Partition], true
}

// depsComplete reports whether every dependency stage has completed.
// Callers hold s.mu.
func (j *job) depsComplete(st *stage) bool {
	for _, dep := range st.spec.Deps {
		if j.stages[dep].state != strata.StageCompleted {
			return false
		}
	}
	return true
}

// enqueue stamps a task back into the queue. The global sequence makes the
// queue order total: tasks enqueued together are stamped in stage then
// partition order, which is exactly the assignment tiebreak. Callers hold
// s.mu.
func (s *State) enqueue(t *task) {
	s.seq++
	t.state = strata.TaskQueued
	t.seq = s.seq
	t.worker = ""
	t.outputWorker = ""
	s.metrics.task(eventQueued)
}

// refreshStage recomputes a stage's state from its tasks and dependencies.
// On the Pending to Ready edge the stage's queued tasks are stamped into the
// queue in partition order. Failed is sticky. Callers hold s.mu.
func (s *State) refreshStage(j *job, st *stage) {
	if st.state == strata.StageFailed {
		return
	}
	completed, active := 0, false
	for _, t := range st.tasks {
		switch t.state {
		case strata.TaskCompleted:
			completed++
		case strata.TaskScheduled, strata.TaskRunning:
			active = true
		}
	}
	next := strata.StagePending
	switch {
	case completed == len(st.tasks):
		next = strata.StageCompleted
	case active:
		next = strata.StageRunning
	case j.depsComplete(st):
		next = strata.StageReady
	}
	prev := st.state
	if next == prev {
		return
	}
	st.state = next
	if prev == strata.StagePending && next == strata.StageReady {
		for _, t := range st.tasks {
			if t.state == strata.TaskQueued {
				s.enqueue(t)
			}
		}
		level.Debug(s.logger).Log("msg", "stage ready", "job", j.id, "stage", st.spec.ID, "tasks", len(st.tasks))
	}
}

// assignable reports whether a task may be handed to a worker right now.
// Queued state alone is not enough: the stage must be ready or running and
// every dependency must still be complete, which can stop holding after a
// worker death demotes an upstream task. Callers hold s.mu.
func (j *job) assignable(st *stage, t *task) bool {
	if j.state.Terminal() || t.state != strata.TaskQueued {
		return false
	}
	if st.state != strata.StageReady && st.state != strata.StageRunning {
		return false
	}
	return j.depsComplete(st)
}
