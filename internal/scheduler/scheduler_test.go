package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/plan"
	"github.com/go-strata/strata/internal/wire"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig() Config {
	return Config{
		TaskRetries:       3,
		SuspectTimeout:    3 * time.Second,
		WorkerDeadTimeout: 10 * time.Second,
		LocalityFraction:  0.5,
		LocalityWindow:    16,
		ResultRetention:   5 * time.Minute,
	}
}

func testState(cfg Config) (*State, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewState(cfg, nil, nil, clk.Now), clk
}

// singleStageGraph is one narrow scan stage producing the result directly.
func singleStageGraph() *plan.StageGraph {
	s := &plan.StageSpec{ID: 0, Ops: &strata.Operator{Kind: strata.OpScan}, Partitions: 1}
	return &plan.StageGraph{Stages: []*plan.StageSpec{s}, Terminal: 0}
}

// twoStageGraph is an exchange stage of aParts tasks feeding a terminal
// stage of bParts tasks. The terminal stage reads narrowly when the counts
// match and through a result exchange otherwise.
func twoStageGraph(aParts, bParts int) *plan.StageGraph {
	a := &plan.StageSpec{
		ID:         0,
		Ops:        &strata.Operator{Kind: strata.OpScan},
		Partitions: aParts,
		Exchange:   &strata.ExchangeSpec{Partitions: aParts, Keys: []string{"k"}},
	}
	b := &plan.StageSpec{
		ID:            1,
		Ops:           &strata.Operator{Kind: strata.OpShuffleRead},
		Deps:          []int{0},
		DepPartitions: []int{aParts},
		Partitions:    bParts,
	}
	if bParts != aParts {
		b.Exchange = &strata.ExchangeSpec{Partitions: bParts, Keys: []string{"k"}}
	}
	return &plan.StageGraph{Stages: []*plan.StageSpec{a, b}, Terminal: 1}
}

// diamondGraph is two independent exchange stages joined by a terminal
// stage reading both.
func diamondGraph(parts int) *plan.StageGraph {
	left := &plan.StageSpec{
		ID:         0,
		Ops:        &strata.Operator{Kind: strata.OpScan},
		Partitions: parts,
		Exchange:   &strata.ExchangeSpec{Partitions: parts, Keys: []string{"k"}},
	}
	right := &plan.StageSpec{
		ID:         1,
		Ops:        &strata.Operator{Kind: strata.OpScan},
		Partitions: parts,
		Exchange:   &strata.ExchangeSpec{Partitions: parts, Keys: []string{"k"}},
	}
	join := &plan.StageSpec{
		ID:            2,
		Ops:           &strata.Operator{Kind: strata.OpShuffleRead},
		Deps:          []int{0, 1},
		DepPartitions: []int{parts, parts},
		Partitions:    1,
		Exchange:      &strata.ExchangeSpec{Partitions: 1},
	}
	return &plan.StageGraph{Stages: []*plan.StageSpec{left, right, join}, Terminal: 2}
}

func mustAssign(t *testing.T, s *State, worker string) *wire.Assignment {
	t.Helper()
	asg, err := s.PollForTask(worker)
	require.Nil(t, err)
	require.NotNil(t, asg, "expected an assignment for %s", worker)
	return asg
}

func mustIdle(t *testing.T, s *State, worker string) {
	t.Helper()
	asg, err := s.PollForTask(worker)
	require.Nil(t, err)
	require.Nil(t, asg, "expected no assignment for %s, got %v", worker, asg)
}

func reportOK(t *testing.T, s *State, worker string, asg *wire.Assignment) {
	t.Helper()
	cancelled, err := s.ReportTaskStatus(worker, &wire.TaskStatusRequest{
		WorkerID: worker,
		Task:     asg.Task,
		Attempt:  asg.Attempt,
		State:    strata.TaskCompleted,
		Stats:    &strata.PartitionStats{Partition: asg.Task.Partition, Batches: 1, Rows: 10, Bytes: 100},
	})
	require.Nil(t, err)
	require.False(t, cancelled)
}

func reportFail(t *testing.T, s *State, worker string, asg *wire.Assignment) bool {
	t.Helper()
	cancelled, err := s.ReportTaskStatus(worker, &wire.TaskStatusRequest{
		WorkerID: worker,
		Task:     asg.Task,
		Attempt:  asg.Attempt,
		State:    strata.TaskFailed,
		Error: wire.EncodeError(&serrors.TaskFailedError{
			Job:       asg.Task.Job,
			Stage:     asg.Task.Stage,
			Partition: asg.Task.Partition,
			Attempt:   asg.Attempt,
			Cause:     errors.New("kernel exploded"),
		}),
	})
	require.Nil(t, err)
	return cancelled
}

func TestAssignmentOrderIsOldestFirstWithStagePartitionTiebreak(t *testing.T) {
	s, _ := testState(testConfig())
	require.Nil(t, s.RegisterWorker("w1", "127.0.0.1:7101", 8))
	jobID, err := s.SubmitJob(diamondGraph(2))
	require.Nil(t, err)

	var got []strata.TaskID
	for i := 0; i < 4; i++ {
		got = append(got, mustAssign(t, s, "w1").Task)
	}
	require.Equal(t, []strata.TaskID{
		{Job: jobID, Stage: 0, Partition: 0},
		{Job: jobID, Stage: 0, Partition: 1},
		{Job: jobID, Stage: 1, Partition: 0},
		{Job: jobID, Stage: 1, Partition: 1},
	}, got)
	// the terminal stage is not ready, so the queue is drained
	mustIdle(t, s, "w1")
}

func TestPollRespectsSlotCap(t *testing.T) {
	s, _ := testState(testConfig())
	require.Nil(t, s.RegisterWorker("w1", "127.0.0.1:7101", 2))
	_, err := s.SubmitJob(twoStageGraph(4, 4))
	require.Nil(t, err)

	first := mustAssign(t, s, "w1")
	second := mustAssign(t, s, "w1")
	mustIdle(t, s, "w1")

	reportOK(t, s, "w1", first)
	third := mustAssign(t, s, "w1")
	require.NotEqual(t, first.Task, third.Task)
	mustIdle(t, s, "w1")
	_ = second
}

func TestLocalityPrefersWorkerHoldingInputs(t *testing.T) {
	s, _ := testState(testConfig())
	require.Nil(t, s.RegisterWorker("w1", "127.0.0.1:7101", 8))
	require.Nil(t, s.RegisterWorker("w2", "127.0.0.1:7102", 8))

	shuffleJob, err := s.SubmitJob(twoStageGraph(1, 1))
	require.Nil(t, err)
	scanJob, err := s.SubmitJob(singleStageGraph())
	require.Nil(t, err)

	// Run the producer stage on w1: its output partition now lives there.
	asg := mustAssign(t, s, "w1")
	require.Equal(t, strata.TaskID{Job: shuffleJob, Stage: 0, Partition: 0}, asg.Task)
	reportOK(t, s, "w1", asg)

	// The scan task is older than the just-queued consumer, but the
	// consumer's inputs all sit on w1, so w1 takes it first.
	local := mustAssign(t, s, "w1")
	require.Equal(t, strata.TaskID{Job: shuffleJob, Stage: 1, Partition: 0}, local.Task)
	require.Len(t, local.Inputs, 1)
	require.Equal(t, "w1", local.Inputs[0][0].WorkerID)
	require.Equal(t, "127.0.0.1:7101", local.Inputs[0][0].Addr)

	// w2 holds nothing, so it falls back to the oldest task.
	remote := mustAssign(t, s, "w2")
	require.Equal(t, strata.TaskID{Job: scanJob, Stage: 0, Partition: 0}, remote.Task)
}

func TestReadinessGatesConsumerStage(t *testing.T) {
	s, _ := testState(testConfig())
	require.Nil(t, s.RegisterWorker("w1", "127.0.0.1:7101", 8))
	jobID, err := s.SubmitJob(twoStageGraph(2, 2))
	require.Nil(t, err)

	a0 := mustAssign(t, s, "w1")
	a1 := mustAssign(t, s, "w1")
	require.Equal(t, 0, a0.Task.Stage)
	require.Equal(t, 0, a1.Task.Stage)
	mustIdle(t, s, "w1")

	reportOK(t, s, "w1", a0)
	mustIdle(t, s, "w1")
	reportOK(t, s, "w1", a1)

	b0 := mustAssign(t, s, "w1")
	require.Equal(t, strata.TaskID{Job: jobID, Stage: 1, Partition: 0}, b0.Task)
	require.Len(t, b0.Inputs, 1)
	require.Len(t, b0.Inputs[0], 2)

	status, err := s.JobStatus(jobID)
	require.Nil(t, err)
	require.Equal(t, strata.JobRunning, status.State)
	require.Equal(t, strata.StageCompleted, status.Stages[0].State)
	require.Equal(t, int64(20), status.Stages[0].Rows)
}

func TestStaleAttemptReportIsIgnored(t *testing.T) {
	s, _ := testState(testConfig())
	require.Nil(t, s.RegisterWorker("w1", "127.0.0.1:7101", 8))
	require.Nil(t, s.RegisterWorker("w2", "127.0.0.1:7102", 8))
	jobID, err := s.SubmitJob(singleStageGraph())
	require.Nil(t, err)

	first := mustAssign(t, s, "w1")
	require.Equal(t, 1, first.Attempt)
	require.False(t, reportFail(t, s, "w1", first))

	second := mustAssign(t, s, "w2")
	require.Equal(t, 2, second.Attempt)

	// w1's late completion of attempt 1 must not complete the job.
	cancelled, err := s.ReportTaskStatus("w1", &wire.TaskStatusRequest{
		WorkerID: "w1",
		Task:     first.Task,
		Attempt:  first.Attempt,
		State:    strata.TaskCompleted,
	})
	require.Nil(t, err)
	require.False(t, cancelled)
	status, err := s.JobStatus(jobID)
	require.Nil(t, err)
	require.Equal(t, strata.JobRunning, status.State)

	reportOK(t, s, "w2", second)
	status, err = s.JobStatus(jobID)
	require.Nil(t, err)
	require.Equal(t, strata.JobCompleted, status.State)
}

func TestRunningReportMarksTask(t *testing.T) {
	s, _ := testState(testConfig())
	require.Nil(t, s.RegisterWorker("w1", "127.0.0.1:7101", 2))
	jobID, err := s.SubmitJob(singleStageGraph())
	require.Nil(t, err)

	asg := mustAssign(t, s, "w1")
	cancelled, err := s.ReportTaskStatus("w1", &wire.TaskStatusRequest{
		WorkerID: "w1", Task: asg.Task, Attempt: asg.Attempt, State: strata.TaskRunning,
	})
	require.Nil(t, err)
	require.False(t, cancelled)

	// a running report must not release the slot
	_, err = s.SubmitJob(singleStageGraph())
	require.Nil(t, err)
	other := mustAssign(t, s, "w1")
	require.NotEqual(t, jobID, other.Task.Job)
	mustIdle(t, s, "w1")
}

func TestPollFromUnknownWorkerFails(t *testing.T) {
	s, _ := testState(testConfig())
	_, err := s.PollForTask("ghost")
	var lost *serrors.WorkerLostError
	require.True(t, errors.As(err, &lost))
	require.Equal(t, "ghost", lost.WorkerID)
}

func TestSubmitRejectsMalformedGraph(t *testing.T) {
	s, _ := testState(testConfig())
	g := twoStageGraph(2, 2)
	g.Stages[1].DepPartitions = []int{7}
	_, err := s.SubmitJob(g)
	var ipe *serrors.InvalidPlanError
	require.True(t, errors.As(err, &ipe))
}
