// Package exec implements the operator kernels which execute a stage's plan
// subtree over streams of record batches. Kernels are registered per
// operator kind; the closed set of built-in kinds is registered at init.
package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-strata/strata"
)

// Cursor is the batch stream interface kernels consume and produce.
type Cursor = strata.Cursor

// TaskContext carries everything a kernel needs to evaluate one task of a
// stage: the task's output partition index, how the stage reads its inputs,
// and openers for sources and upstream shuffle partitions supplied by the
// executor.
type TaskContext struct {
	Ctx       context.Context
	Partition int  // this task's output partition index
	ReadAll   bool // true for exchange-terminal stages: leaves read every input partition
	// Bucket is non-nil for exchange-terminal stages; leaves marked by the
	// stage planner filter their output to rows hashing to Partition.
	Bucket *strata.ExchangeSpec
	// OpenSource opens one partition of a scan's data source
	OpenSource func(spec *strata.SourceSpec, partition int) (Cursor, error)
	// OpenInput opens one shuffle partition of the given dependency ordinal
	OpenInput func(dep int, partition int) (Cursor, error)
	// InputPartitions returns the partition count of the given dependency
	InputPartitions func(dep int) int
	// DepSchemas holds the output schema of each shuffle dependency, so
	// kernels can resolve their input schema before any batch arrives.
	DepSchemas []strata.Schema
}

// Kernel evaluates one Operator over its children's output
type Kernel func(tc *TaskContext, op *strata.Operator, inputs []Cursor) (Cursor, error)

var (
	kernelsMu sync.RWMutex
	kernels   = make(map[strata.OpKind]Kernel)
)

// RegisterKernel binds a Kernel to an OpKind, replacing any previous
// binding. This is the extension point for operator kinds beyond the
// built-in set.
func RegisterKernel(kind strata.OpKind, k Kernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[kind] = k
}

func lookupKernel(kind strata.OpKind) (Kernel, error) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	k, ok := kernels[kind]
	if !ok {
		return nil, fmt.Errorf("no kernel registered for operator %s", kind)
	}
	return k, nil
}

func init() {
	RegisterKernel(strata.OpScan, scanKernel)
	RegisterKernel(strata.OpShuffleRead, shuffleReadKernel)
	RegisterKernel(strata.OpFilter, filterKernel)
	RegisterKernel(strata.OpProject, projectKernel)
	RegisterKernel(strata.OpHashAggregate, aggregateKernel)
	RegisterKernel(strata.OpHashJoin, joinKernel)
}

// Build assembles the cursor tree for a stage subtree, bottom-up. Leaves the
// stage planner marked for bucketing are filtered to the task's hash bucket
// when the stage is exchange-terminal.
func Build(tc *TaskContext, op *strata.Operator) (Cursor, error) {
	if op == nil {
		return nil, fmt.Errorf("cannot build nil operator")
	}
	if op.Kind == strata.OpExchange {
		return nil, fmt.Errorf("exchange operators terminate stages and cannot run inline")
	}
	inputs := make([]Cursor, len(op.Children))
	for i, child := range op.Children {
		cur, err := Build(tc, child)
		if err != nil {
			for _, built := range inputs[:i] {
				built.Close()
			}
			return nil, err
		}
		inputs[i] = cur
	}
	k, err := lookupKernel(op.Kind)
	if err != nil {
		return nil, err
	}
	cur, err := k(tc, op, inputs)
	if err != nil {
		for _, built := range inputs {
			built.Close()
		}
		return nil, err
	}
	if tc.Bucket != nil && op.Bucket {
		cur = newBucketCursor(cur, tc.Bucket, tc.Partition)
	}
	return cur, nil
}
