package exec

import (
	"fmt"

	"github.com/go-strata/strata"
)

// scanKernel opens the task's share of a data source: every partition for
// exchange-terminal stages, partition j alone otherwise.
func scanKernel(tc *TaskContext, op *strata.Operator, inputs []Cursor) (Cursor, error) {
	if op.Source == nil {
		return nil, fmt.Errorf("scan operator carries no source")
	}
	if tc.OpenSource == nil {
		return nil, fmt.Errorf("no source opener supplied for scan")
	}
	spec := op.Source
	if tc.ReadAll {
		return newConcatCursor(spec.Partitions, func(i int) (Cursor, error) {
			if err := tc.Ctx.Err(); err != nil {
				return nil, err
			}
			return tc.OpenSource(spec, i)
		}), nil
	}
	if tc.Partition >= spec.Partitions {
		return nil, fmt.Errorf("scan partition %d out of range (%d source partitions)", tc.Partition, spec.Partitions)
	}
	return tc.OpenSource(spec, tc.Partition)
}

// shuffleReadKernel opens the task's share of a dependency stage's output:
// every partition for exchange-terminal stages, partition j alone otherwise.
func shuffleReadKernel(tc *TaskContext, op *strata.Operator, inputs []Cursor) (Cursor, error) {
	if tc.OpenInput == nil {
		return nil, fmt.Errorf("no input opener supplied for shuffle read")
	}
	dep := op.Input
	if tc.ReadAll {
		n := tc.InputPartitions(dep)
		return newConcatCursor(n, func(i int) (Cursor, error) {
			if err := tc.Ctx.Err(); err != nil {
				return nil, err
			}
			return tc.OpenInput(dep, i)
		}), nil
	}
	return tc.OpenInput(dep, tc.Partition)
}
