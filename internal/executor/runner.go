package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/go-strata/strata"
	"github.com/go-strata/strata/datasource"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/exec"
	"github.com/go-strata/strata/internal/shuffle"
	"github.com/go-strata/strata/internal/util"
	"github.com/go-strata/strata/internal/wire"
)

// Runner executes assigned tasks end to end: it builds the cursor tree for
// the stage subtree, drains it into a local shuffle partition, and commits.
type Runner struct {
	store   *shuffle.Store
	fetcher *Fetcher
	logger  log.Logger
}

// NewRunner returns a Runner writing to store and resolving inputs through
// fetcher.
func NewRunner(store *shuffle.Store, fetcher *Fetcher, logger log.Logger) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Runner{store: store, fetcher: fetcher, logger: logger}
}

// Run evaluates one assignment and publishes its output partition. The
// partition becomes visible only on a successful commit; any error or panic
// leaves the store unchanged. Failures come back as a TaskFailedError
// carrying the attempt's identity and the original cause.
func (r *Runner) Run(ctx context.Context, asg *wire.Assignment) (stats strata.PartitionStats, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = r.taskError(asg, fmt.Errorf("panic: %v\n%s", rec, util.GetTrace()))
		}
	}()

	spec := asg.Stage
	tc := &exec.TaskContext{
		Ctx:        ctx,
		Partition:  asg.Task.Partition,
		ReadAll:    spec.Exchange != nil,
		Bucket:     spec.Exchange,
		DepSchemas: spec.DepSchemas,
		OpenSource: datasource.Open,
		OpenInput: func(dep, partition int) (exec.Cursor, error) {
			if dep < 0 || dep >= len(asg.Inputs) || partition < 0 || partition >= len(asg.Inputs[dep]) {
				return nil, fmt.Errorf("no location for input %d of dependency %d", partition, dep)
			}
			id := strata.TaskID{Job: asg.Task.Job, Stage: spec.Deps[dep], Partition: partition}
			return r.fetcher.Open(ctx, asg.Inputs[dep][partition], id)
		},
		InputPartitions: func(dep int) int {
			if dep < 0 || dep >= len(spec.DepPartitions) {
				return 0
			}
			return spec.DepPartitions[dep]
		},
	}

	cur, err := exec.Build(tc, spec.Ops)
	if err != nil {
		return strata.PartitionStats{}, r.taskError(asg, err)
	}
	defer cur.Close()

	w, err := r.store.CreateWriter(asg.Task, asg.Attempt)
	if err != nil {
		return strata.PartitionStats{}, r.taskError(asg, err)
	}
	defer w.Discard()

	for {
		select {
		case <-ctx.Done():
			return strata.PartitionStats{}, r.taskError(asg, ctx.Err())
		default:
		}
		b, berr := cur.Next()
		if berr != nil {
			return strata.PartitionStats{}, r.taskError(asg, berr)
		}
		if b == nil {
			break
		}
		if b.NumRows() == 0 {
			continue
		}
		if werr := w.Append(b); werr != nil {
			return strata.PartitionStats{}, r.taskError(asg, werr)
		}
	}

	stats, err = w.Commit()
	if err != nil {
		return strata.PartitionStats{}, r.taskError(asg, err)
	}
	level.Debug(r.logger).Log("msg", "task complete", "task", asg.Task,
		"attempt", asg.Attempt, "rows", stats.Rows, "bytes", stats.Bytes)
	return stats, nil
}

// taskError stamps a cause with the identity of the failed attempt. Causes
// that already carry one, such as failures relayed by a serving worker, are
// rewrapped so the attempt reported is this one.
func (r *Runner) taskError(asg *wire.Assignment, cause error) error {
	var tf *serrors.TaskFailedError
	if errors.As(cause, &tf) && tf.Job == asg.Task.Job && tf.Stage == asg.Task.Stage &&
		tf.Partition == asg.Task.Partition && tf.Attempt == asg.Attempt {
		return cause
	}
	level.Warn(r.logger).Log("msg", "task failed", "task", asg.Task,
		"attempt", asg.Attempt, "err", cause)
	return &serrors.TaskFailedError{
		Job:       asg.Task.Job,
		Stage:     asg.Task.Stage,
		Partition: asg.Task.Partition,
		Attempt:   asg.Attempt,
		Cause:     cause,
	}
}
