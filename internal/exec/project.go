package exec

import (
	"fmt"

	"github.com/go-strata/strata"
)

// projectKernel selects and renames columns
func projectKernel(tc *TaskContext, op *strata.Operator, inputs []Cursor) (Cursor, error) {
	var idxs []int
	var outSchema strata.Schema
	return newMapCursor(inputs[0], func(b *strata.Batch) (*strata.Batch, error) {
		if idxs == nil {
			idxs = make([]int, 0, len(op.Cols))
			cols := make([]strata.Column, 0, len(op.Cols))
			for _, pc := range op.Cols {
				idx := b.Schema.IndexOf(pc.Col)
				if idx < 0 {
					return nil, fmt.Errorf("projected column %q not present in schema %s", pc.Col, b.Schema)
				}
				name := pc.As
				if name == "" {
					name = pc.Col
				}
				idxs = append(idxs, idx)
				cols = append(cols, strata.Column{Name: name, Type: b.Schema.Columns[idx].Type})
			}
			outSchema = strata.NewSchema(cols...)
		}
		out := &strata.Batch{Schema: outSchema, Cols: make([]strata.Col, len(idxs)), NumRow: b.NumRows()}
		for i, idx := range idxs {
			out.Cols[i] = b.Cols[idx]
		}
		return out, nil
	}), nil
}
