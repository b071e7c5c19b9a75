package exec

import (
	"github.com/go-strata/strata"
)

// filterKernel drops rows failing the conjunction of the operator's
// predicates. Predicates are compiled against the first batch's schema.
func filterKernel(tc *TaskContext, op *strata.Operator, inputs []Cursor) (Cursor, error) {
	var preds []*compiledPred
	return newMapCursor(inputs[0], func(b *strata.Batch) (*strata.Batch, error) {
		if preds == nil {
			preds = make([]*compiledPred, 0, len(op.Preds))
			for _, p := range op.Preds {
				cp, err := compilePred(b.Schema, p)
				if err != nil {
					return nil, err
				}
				preds = append(preds, cp)
			}
		}
		mask := make([]bool, b.NumRows())
		for i := 0; i < b.NumRows(); i++ {
			keep := true
			for _, cp := range preds {
				if !cp.eval(b, i) {
					keep = false
					break
				}
			}
			mask[i] = keep
		}
		return b.Take(mask), nil
	}), nil
}
