package exec

import (
	"fmt"

	"github.com/go-strata/strata"
	"github.com/go-strata/strata/internal/plan"
)

// aggregateKernel groups rows by the operator's key columns and folds the
// declared aggregates. It drains its input on the first pull and emits a
// single batch. A grouped aggregate over an empty input emits nothing; a
// global aggregate always emits exactly one row.
func aggregateKernel(tc *TaskContext, op *strata.Operator, inputs []Cursor) (Cursor, error) {
	in, err := plan.DeriveSchema(op.Children[0], tc.DepSchemas)
	if err != nil {
		return nil, err
	}
	hasher, err := newRowHasher(in, op.GroupBy)
	if err != nil {
		return nil, err
	}
	cols := make([]int, len(op.Aggs))
	types := make([]strata.ColumnType, len(op.Aggs))
	for i, agg := range op.Aggs {
		if agg.Agg == strata.AggCount {
			cols[i] = -1
			types[i] = strata.Int64Type
			continue
		}
		idx := in.IndexOf(agg.Col)
		if idx < 0 {
			return nil, fmt.Errorf("aggregate column %q not present in schema %s", agg.Col, in)
		}
		cols[i] = idx
		types[i] = in.Columns[idx].Type
	}
	out := make([]strata.Column, 0, len(op.GroupBy)+len(op.Aggs))
	for _, name := range op.GroupBy {
		out = append(out, in.Columns[in.IndexOf(name)])
	}
	for i, agg := range op.Aggs {
		out = append(out, strata.Column{Name: agg.As, Type: types[i]})
	}
	return &aggCursor{
		tc:     tc,
		op:     op,
		in:     inputs[0],
		hasher: hasher,
		cols:   cols,
		types:  types,
		schema: strata.NewSchema(out...),
	}, nil
}

type aggGroup struct {
	keys []interface{}
	accs []aggAcc
}

type aggAcc struct {
	count int64
	iVal  int64
	fVal  float64
	sVal  string
	seen  bool
}

type aggCursor struct {
	tc     *TaskContext
	op     *strata.Operator
	in     Cursor
	hasher *rowHasher
	cols   []int // aggregate source column indices, -1 for count
	types  []strata.ColumnType
	schema strata.Schema
	done   bool
}

func (a *aggCursor) Next() (*strata.Batch, error) {
	if a.done {
		return nil, nil
	}
	a.done = true

	groups := make(map[string]*aggGroup)
	var order []string // first-seen group order, for deterministic output
	for {
		if err := a.tc.Ctx.Err(); err != nil {
			return nil, err
		}
		b, err := a.in.Next()
		if err != nil {
			return nil, err
		}
		if b == nil {
			break
		}
		for row := 0; row < b.NumRows(); row++ {
			key := a.hasher.groupKey(b, row)
			g, ok := groups[key]
			if !ok {
				g = &aggGroup{accs: make([]aggAcc, len(a.op.Aggs))}
				for _, gcol := range a.hasher.cols {
					g.keys = append(g.keys, b.Value(row, gcol))
				}
				groups[key] = g
				order = append(order, key)
			}
			for i, agg := range a.op.Aggs {
				fold(&g.accs[i], agg.Agg, a.types[i], b, row, a.cols[i])
			}
		}
	}
	if len(order) == 0 {
		if len(a.op.GroupBy) > 0 {
			return nil, nil
		}
		// A global aggregate reduces even an empty input to one row.
		groups[""] = &aggGroup{accs: make([]aggAcc, len(a.op.Aggs))}
		order = append(order, "")
	}

	out := strata.NewBatch(a.schema)
	for _, key := range order {
		g := groups[key]
		vals := make([]interface{}, 0, len(g.keys)+len(g.accs))
		vals = append(vals, g.keys...)
		for i, agg := range a.op.Aggs {
			vals = append(vals, finish(&g.accs[i], agg.Agg, a.types[i]))
		}
		if err := out.AppendRow(vals...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (a *aggCursor) Close() error { return a.in.Close() }

func fold(acc *aggAcc, kind strata.AggKind, typ strata.ColumnType, b *strata.Batch, row, col int) {
	acc.count++
	if kind == strata.AggCount {
		return
	}
	switch typ {
	case strata.Int64Type:
		v := b.Cols[col].Ints[row]
		switch kind {
		case strata.AggSum:
			acc.iVal += v
		case strata.AggMin:
			if !acc.seen || v < acc.iVal {
				acc.iVal = v
			}
		case strata.AggMax:
			if !acc.seen || v > acc.iVal {
				acc.iVal = v
			}
		}
	case strata.Float64Type:
		v := b.Cols[col].Floats[row]
		switch kind {
		case strata.AggSum:
			acc.fVal += v
		case strata.AggMin:
			if !acc.seen || v < acc.fVal {
				acc.fVal = v
			}
		case strata.AggMax:
			if !acc.seen || v > acc.fVal {
				acc.fVal = v
			}
		}
	case strata.StringType:
		v := b.Cols[col].Strings[row]
		switch kind {
		case strata.AggMin:
			if !acc.seen || v < acc.sVal {
				acc.sVal = v
			}
		case strata.AggMax:
			if !acc.seen || v > acc.sVal {
				acc.sVal = v
			}
		}
	}
	acc.seen = true
}

func finish(acc *aggAcc, kind strata.AggKind, typ strata.ColumnType) interface{} {
	if kind == strata.AggCount {
		return acc.count
	}
	switch typ {
	case strata.Int64Type:
		return acc.iVal
	case strata.Float64Type:
		return acc.fVal
	case strata.StringType:
		return acc.sVal
	default:
		return nil
	}
}
