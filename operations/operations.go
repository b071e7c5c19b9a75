// Package operations provides constructors for building physical plans. Each
// function returns an operator tree fragment; compose them bottom-up and wrap
// the root in NewPlan.
package operations

import (
	"github.com/go-strata/strata"
)

// NewPlan wraps a root operator into a Plan ready for submission.
func NewPlan(root *strata.Operator) *strata.Plan {
	return &strata.Plan{Root: root}
}

// Scan reads every partition of a registered data source.
func Scan(spec *strata.SourceSpec) *strata.Operator {
	return &strata.Operator{Kind: strata.OpScan, Source: spec}
}

// Filter keeps the rows matching every given predicate.
func Filter(input *strata.Operator, preds ...strata.Pred) *strata.Operator {
	return &strata.Operator{
		Kind:     strata.OpFilter,
		Children: []*strata.Operator{input},
		Preds:    preds,
	}
}

// Where builds a single column comparison predicate.
func Where(col string, cmp strata.CmpOp, value interface{}) strata.Pred {
	return strata.Pred{Col: col, Cmp: cmp, Value: value}
}

// Project narrows or reorders columns, optionally renaming them.
func Project(input *strata.Operator, cols ...strata.ProjectCol) *strata.Operator {
	return &strata.Operator{
		Kind:     strata.OpProject,
		Children: []*strata.Operator{input},
		Cols:     cols,
	}
}

// Col selects a column under its own name.
func Col(name string) strata.ProjectCol {
	return strata.ProjectCol{Col: name}
}

// ColAs selects a column under a new name.
func ColAs(name, as string) strata.ProjectCol {
	return strata.ProjectCol{Col: name, As: as}
}

// Aggregate groups rows by the given key columns and evaluates the given
// aggregates within each group. With no group columns it reduces its entire
// input to a single row.
func Aggregate(input *strata.Operator, groupBy []string, aggs ...strata.AggSpec) *strata.Operator {
	return &strata.Operator{
		Kind:     strata.OpHashAggregate,
		Children: []*strata.Operator{input},
		GroupBy:  groupBy,
		Aggs:     aggs,
	}
}

// Sum totals a numeric column within each group.
func Sum(col, as string) strata.AggSpec {
	return strata.AggSpec{Agg: strata.AggSum, Col: col, As: as}
}

// Count counts the rows within each group.
func Count(as string) strata.AggSpec {
	return strata.AggSpec{Agg: strata.AggCount, As: as}
}

// Min tracks the smallest value of a column within each group.
func Min(col, as string) strata.AggSpec {
	return strata.AggSpec{Agg: strata.AggMin, Col: col, As: as}
}

// Max tracks the largest value of a column within each group.
func Max(col, as string) strata.AggSpec {
	return strata.AggSpec{Agg: strata.AggMax, Col: col, As: as}
}

// Join matches rows of two inputs on equal values of the named key columns.
// Both inputs must carry every key column; the join output carries the left
// columns followed by the right columns minus the keys.
func Join(left, right *strata.Operator, on ...string) *strata.Operator {
	return &strata.Operator{
		Kind:     strata.OpHashJoin,
		Children: []*strata.Operator{left, right},
		On:       on,
	}
}

// Exchange redistributes rows into the given number of partitions by hashing
// the key columns. Exchanges become stage boundaries when the plan is cut
// into its stage graph.
func Exchange(input *strata.Operator, partitions int, keys ...string) *strata.Operator {
	return &strata.Operator{
		Kind:     strata.OpExchange,
		Children: []*strata.Operator{input},
		Exchange: &strata.ExchangeSpec{Partitions: partitions, Keys: keys},
	}
}
