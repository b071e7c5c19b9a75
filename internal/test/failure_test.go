package integration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-strata/strata"
	"github.com/go-strata/strata/cluster"
	"github.com/go-strata/strata/datasource"
	serrors "github.com/go-strata/strata/errors"
	ops "github.com/go-strata/strata/operations"
	stratatest "github.com/go-strata/strata/testing"
)

const (
	// slowKind emits one small batch per partition after a pause, keeping a
	// scan stage in flight long enough for a test to interfere with it.
	slowKind = "test_slow"
	// dripKind trickles batches out for several seconds, for cancellation.
	dripKind = "test_drip"
)

func init() {
	datasource.RegisterSource(slowKind, func(spec *strata.SourceSpec, partition int) (strata.Cursor, error) {
		return &pacedCursor{schema: spec.Schema, delay: 25 * time.Millisecond, batches: 1}, nil
	})
	datasource.RegisterSource(dripKind, func(spec *strata.SourceSpec, partition int) (strata.Cursor, error) {
		return &pacedCursor{schema: spec.Schema, delay: 50 * time.Millisecond, batches: 200}, nil
	})
}

// pacedCursor emits batches of two fixed rows, pausing before each one.
type pacedCursor struct {
	schema  strata.Schema
	delay   time.Duration
	batches int
	emitted int
}

func (c *pacedCursor) Next() (*strata.Batch, error) {
	if c.emitted >= c.batches {
		return nil, nil
	}
	time.Sleep(c.delay)
	c.emitted++
	b := strata.NewBatch(c.schema)
	if err := b.AppendRow("a", int64(1)); err != nil {
		return nil, err
	}
	if err := b.AppendRow("b", int64(1)); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *pacedCursor) Close() error { return nil }

func waitForJobState(t *testing.T, client *cluster.Client, id string, want strata.JobState) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		status, err := client.JobStatus(id)
		require.Nil(t, err)
		if status.State == want {
			return
		}
		require.True(t, time.Now().Before(deadline), "job never reached %s, still %s", want, status.State)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClusterRetryExhaustionFailsJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	opts := testOptions(t)
	opts.TaskRetries = 1
	lc, err := stratatest.StartLocalCluster(opts, 1)
	require.Nil(t, err)
	defer lc.Stop()
	client, err := lc.Connect()
	require.Nil(t, err)
	defer client.Close()

	src := &strata.SourceSpec{
		Kind:       datasource.KindJSONL,
		Schema:     eventsSchema(),
		Partitions: 1,
		Paths:      []string{filepath.Join(t.TempDir(), "missing.jsonl")},
	}
	p := ops.NewPlan(ops.Filter(ops.Scan(src), ops.Where("count", strata.CmpGt, 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	id, err := client.SubmitJob(p)
	require.Nil(t, err)

	_, err = client.WaitForJob(ctx, id, 10*time.Millisecond)
	var failed *serrors.JobFailedError
	require.True(t, errors.As(err, &failed), "expected JobFailedError, got %v", err)
	require.Equal(t, id, failed.Job)
	require.Equal(t, 0, failed.Stage)

	status, err := client.JobStatus(id)
	require.Nil(t, err)
	require.Equal(t, strata.JobFailed, status.State)
	require.NotEqual(t, "", status.Failure)
}

func TestClusterCancelJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	opts := testOptions(t)
	opts.HeartbeatInterval = 25 * time.Millisecond
	lc, err := stratatest.StartLocalCluster(opts, 1)
	require.Nil(t, err)
	defer lc.Stop()
	client, err := lc.Connect()
	require.Nil(t, err)
	defer client.Close()

	src := &strata.SourceSpec{Kind: dripKind, Schema: eventsSchema(), Partitions: 2}
	p := ops.NewPlan(ops.Aggregate(
		ops.Exchange(ops.Scan(src), 2, "name"),
		[]string{"name"},
		ops.Sum("count", "total"),
	))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	id, err := client.SubmitJob(p)
	require.Nil(t, err)

	waitForJobState(t, client, id, strata.JobRunning)
	require.Nil(t, client.CancelJob(id))

	_, err = client.WaitForJob(ctx, id, 10*time.Millisecond)
	var cancelled *serrors.JobCancelledError
	require.True(t, errors.As(err, &cancelled), "expected JobCancelledError, got %v", err)
	require.Equal(t, id, cancelled.Job)
}

func TestClusterSurvivesWorkerDeath(t *testing.T) {
	defer goleak.VerifyNone(t)
	opts := testOptions(t)
	opts.TaskRetries = 8
	opts.HeartbeatInterval = 25 * time.Millisecond
	opts.SweepInterval = 20 * time.Millisecond
	opts.SuspectTimeout = 100 * time.Millisecond
	opts.WorkerDeadTimeout = 250 * time.Millisecond
	opts.FetchRetries = 2
	opts.FetchRetryDelay = 25 * time.Millisecond
	lc, err := stratatest.StartLocalCluster(opts, 2)
	require.Nil(t, err)
	defer lc.Stop()
	client, err := lc.Connect()
	require.Nil(t, err)
	defer client.Close()

	src := &strata.SourceSpec{Kind: slowKind, Schema: eventsSchema(), Partitions: 8}
	p := ops.NewPlan(ops.Aggregate(
		ops.Exchange(ops.Scan(src), 2, "name"),
		[]string{"name"},
		ops.Sum("count", "total"),
	))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	id, err := client.SubmitJob(p)
	require.Nil(t, err)

	// stop one worker while the scan stage is mid-flight; the scheduler has
	// to detect the death, recompute the partitions it held, and finish the
	// job on the survivor
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "scan stage never reached mid-flight")
		status, serr := client.JobStatus(id)
		require.Nil(t, serr)
		require.False(t, status.State.Terminal(), "job reached %s before the worker could be stopped", status.State)
		if status.Stages[0].CompletedTasks >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Nil(t, lc.StopWorker(0))

	status, err := client.WaitForJob(ctx, id, 10*time.Millisecond)
	require.Nil(t, err)
	require.Equal(t, strata.JobCompleted, status.State)

	result, err := client.JobResult(id)
	require.Nil(t, err)
	batches, err := client.Collect(ctx, result)
	require.Nil(t, err)
	require.Equal(t, map[string]int64{"a": 8, "b": 8}, totalsByName(t, batches))
}
