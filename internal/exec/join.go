package exec

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/go-strata/strata"
)

// joinKernel inner-joins two inputs on equal key columns: the left side is
// drained into a hash table on the first pull, then right batches are
// probed as they stream. Output columns are the left schema followed by
// the right schema minus the join keys.
func joinKernel(tc *TaskContext, op *strata.Operator, inputs []Cursor) (Cursor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("hash join requires two inputs, got %d", len(inputs))
	}
	return &joinCursor{tc: tc, op: op, left: inputs[0], right: inputs[1]}, nil
}

type joinCursor struct {
	tc    *TaskContext
	op    *strata.Operator
	left  Cursor
	right Cursor

	built     bool
	table     map[string][][]interface{} // key -> left rows
	leftTypes strata.Schema
	outSchema strata.Schema
	rightKeep []int // right column indices carried to output
	rightHash *rowHasher
}

func (j *joinCursor) Next() (*strata.Batch, error) {
	if !j.built {
		if err := j.build(); err != nil {
			return nil, err
		}
		j.built = true
	}
	for {
		if err := j.tc.Ctx.Err(); err != nil {
			return nil, err
		}
		b, err := j.right.Next()
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, nil
		}
		if b.NumRows() == 0 || len(j.table) == 0 {
			continue
		}
		if j.rightHash == nil {
			if err := j.prepareRight(b.Schema); err != nil {
				return nil, err
			}
		}
		out := strata.NewBatch(j.outSchema)
		for row := 0; row < b.NumRows(); row++ {
			matches, ok := j.table[j.rightHash.groupKey(b, row)]
			if !ok {
				continue
			}
			for _, leftRow := range matches {
				vals := make([]interface{}, 0, len(j.outSchema.Columns))
				vals = append(vals, leftRow...)
				for _, col := range j.rightKeep {
					vals = append(vals, b.Value(row, col))
				}
				if err := out.AppendRow(vals...); err != nil {
					return nil, err
				}
			}
		}
		if out.NumRows() == 0 {
			continue
		}
		return out, nil
	}
}

func (j *joinCursor) build() error {
	j.table = make(map[string][][]interface{})
	var hasher *rowHasher
	for {
		if err := j.tc.Ctx.Err(); err != nil {
			return err
		}
		b, err := j.left.Next()
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		if b.NumRows() == 0 {
			continue
		}
		if hasher == nil {
			j.leftTypes = b.Schema
			hasher, err = newRowHasher(b.Schema, j.op.On)
			if err != nil {
				return err
			}
		}
		for row := 0; row < b.NumRows(); row++ {
			vals := make([]interface{}, b.Schema.NumColumns())
			for col := range vals {
				vals[col] = b.Value(row, col)
			}
			key := hasher.groupKey(b, row)
			j.table[key] = append(j.table[key], vals)
		}
	}
}

func (j *joinCursor) prepareRight(rightSchema strata.Schema) error {
	hasher, err := newRowHasher(rightSchema, j.op.On)
	if err != nil {
		return err
	}
	j.rightHash = hasher
	isKey := make(map[string]bool, len(j.op.On))
	for _, k := range j.op.On {
		isKey[k] = true
	}
	cols := append([]strata.Column{}, j.leftTypes.Columns...)
	for i, col := range rightSchema.Columns {
		if isKey[col.Name] {
			continue
		}
		if j.leftTypes.HasColumn(col.Name) {
			return fmt.Errorf("join output column %q is ambiguous between inputs", col.Name)
		}
		j.rightKeep = append(j.rightKeep, i)
		cols = append(cols, col)
	}
	j.outSchema = strata.NewSchema(cols...)
	return nil
}

func (j *joinCursor) Close() error {
	var multierr *multierror.Error
	if err := j.left.Close(); err != nil {
		multierr = multierror.Append(multierr, err)
	}
	if err := j.right.Close(); err != nil {
		multierr = multierror.Append(multierr, err)
	}
	return multierr.ErrorOrNil()
}
