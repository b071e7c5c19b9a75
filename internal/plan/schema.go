// Package plan validates physical plans and cuts them into stage graphs at
// exchange boundaries.
package plan

import (
	"fmt"

	"github.com/go-strata/strata"
)

// DeriveSchema computes the output schema of an operator subtree, resolving
// OpShuffleRead leaves against depSchemas (indexed by the read's dependency
// ordinal). It fails where column references cannot be resolved, making it
// the static half of plan validation.
func DeriveSchema(op *strata.Operator, depSchemas []strata.Schema) (strata.Schema, error) {
	switch op.Kind {
	case strata.OpScan:
		if op.Source == nil {
			return strata.Schema{}, fmt.Errorf("scan operator carries no source")
		}
		if op.Source.Schema.NumColumns() == 0 {
			return strata.Schema{}, fmt.Errorf("scan source declares no columns")
		}
		return op.Source.Schema, nil

	case strata.OpShuffleRead:
		if op.Input < 0 || op.Input >= len(depSchemas) {
			return strata.Schema{}, fmt.Errorf("shuffle read references unknown dependency %d", op.Input)
		}
		return depSchemas[op.Input], nil

	case strata.OpFilter:
		in, err := DeriveSchema(op.Children[0], depSchemas)
		if err != nil {
			return strata.Schema{}, err
		}
		for _, p := range op.Preds {
			if err := checkPred(in, p); err != nil {
				return strata.Schema{}, err
			}
		}
		return in, nil

	case strata.OpProject:
		in, err := DeriveSchema(op.Children[0], depSchemas)
		if err != nil {
			return strata.Schema{}, err
		}
		return projectSchema(in, op.Cols)

	case strata.OpHashAggregate:
		in, err := DeriveSchema(op.Children[0], depSchemas)
		if err != nil {
			return strata.Schema{}, err
		}
		return aggregateSchema(in, op)

	case strata.OpHashJoin:
		left, err := DeriveSchema(op.Children[0], depSchemas)
		if err != nil {
			return strata.Schema{}, err
		}
		right, err := DeriveSchema(op.Children[1], depSchemas)
		if err != nil {
			return strata.Schema{}, err
		}
		return joinSchema(left, right, op.On)

	case strata.OpExchange:
		return DeriveSchema(op.Children[0], depSchemas)

	default:
		return strata.Schema{}, fmt.Errorf("cannot derive schema for operator %s", op.Kind)
	}
}

func checkPred(in strata.Schema, p strata.Pred) error {
	idx := in.IndexOf(p.Col)
	if idx < 0 {
		return fmt.Errorf("filter references unknown column %q", p.Col)
	}
	typ := in.Columns[idx].Type
	switch typ {
	case strata.Int64Type, strata.Float64Type:
		switch p.Value.(type) {
		case int, int64, float64:
		default:
			return fmt.Errorf("filter literal %v is not numeric for column %q", p.Value, p.Col)
		}
	case strata.StringType:
		if _, ok := p.Value.(string); !ok {
			return fmt.Errorf("filter literal %v is not a string for column %q", p.Value, p.Col)
		}
	case strata.BoolType:
		if _, ok := p.Value.(bool); !ok {
			return fmt.Errorf("filter literal %v is not a bool for column %q", p.Value, p.Col)
		}
		if p.Cmp != strata.CmpEq && p.Cmp != strata.CmpNe {
			return fmt.Errorf("bool column %q supports only eq/ne", p.Col)
		}
	}
	switch p.Cmp {
	case strata.CmpEq, strata.CmpNe, strata.CmpLt, strata.CmpLe, strata.CmpGt, strata.CmpGe:
	default:
		return fmt.Errorf("unknown comparison %q", p.Cmp)
	}
	return nil
}

func projectSchema(in strata.Schema, cols []strata.ProjectCol) (strata.Schema, error) {
	if len(cols) == 0 {
		return strata.Schema{}, fmt.Errorf("projection selects no columns")
	}
	out := make([]strata.Column, 0, len(cols))
	seen := make(map[string]bool, len(cols))
	for _, pc := range cols {
		idx := in.IndexOf(pc.Col)
		if idx < 0 {
			return strata.Schema{}, fmt.Errorf("projection references unknown column %q", pc.Col)
		}
		name := pc.As
		if name == "" {
			name = pc.Col
		}
		if seen[name] {
			return strata.Schema{}, fmt.Errorf("projection output column %q is duplicated", name)
		}
		seen[name] = true
		out = append(out, strata.Column{Name: name, Type: in.Columns[idx].Type})
	}
	return strata.NewSchema(out...), nil
}

func aggregateSchema(in strata.Schema, op *strata.Operator) (strata.Schema, error) {
	if len(op.Aggs) == 0 {
		return strata.Schema{}, fmt.Errorf("aggregate declares no aggregates")
	}
	out := make([]strata.Column, 0, len(op.GroupBy)+len(op.Aggs))
	seen := make(map[string]bool)
	for _, name := range op.GroupBy {
		idx := in.IndexOf(name)
		if idx < 0 {
			return strata.Schema{}, fmt.Errorf("group key %q not present in input", name)
		}
		if seen[name] {
			return strata.Schema{}, fmt.Errorf("group key %q is duplicated", name)
		}
		seen[name] = true
		out = append(out, in.Columns[idx])
	}
	for _, agg := range op.Aggs {
		if agg.As == "" {
			return strata.Schema{}, fmt.Errorf("aggregate %s lacks an output name", agg.Agg)
		}
		if seen[agg.As] {
			return strata.Schema{}, fmt.Errorf("aggregate output column %q is duplicated", agg.As)
		}
		seen[agg.As] = true
		typ := strata.Int64Type
		if agg.Agg != strata.AggCount {
			idx := in.IndexOf(agg.Col)
			if idx < 0 {
				return strata.Schema{}, fmt.Errorf("aggregate references unknown column %q", agg.Col)
			}
			typ = in.Columns[idx].Type
			switch agg.Agg {
			case strata.AggSum:
				if typ != strata.Int64Type && typ != strata.Float64Type {
					return strata.Schema{}, fmt.Errorf("sum requires a numeric column, %q is %s", agg.Col, typ)
				}
			case strata.AggMin, strata.AggMax:
				if typ == strata.BoolType {
					return strata.Schema{}, fmt.Errorf("min/max cannot aggregate bool column %q", agg.Col)
				}
			default:
				return strata.Schema{}, fmt.Errorf("unknown aggregate %q", agg.Agg)
			}
		}
		out = append(out, strata.Column{Name: agg.As, Type: typ})
	}
	return strata.NewSchema(out...), nil
}

func joinSchema(left, right strata.Schema, on []string) (strata.Schema, error) {
	if len(on) == 0 {
		return strata.Schema{}, fmt.Errorf("join declares no key columns")
	}
	isKey := make(map[string]bool, len(on))
	for _, key := range on {
		li := left.IndexOf(key)
		ri := right.IndexOf(key)
		if li < 0 || ri < 0 {
			return strata.Schema{}, fmt.Errorf("join key %q must be present in both inputs", key)
		}
		if left.Columns[li].Type != right.Columns[ri].Type {
			return strata.Schema{}, fmt.Errorf("join key %q has mismatched types %s vs %s", key, left.Columns[li].Type, right.Columns[ri].Type)
		}
		isKey[key] = true
	}
	out := append([]strata.Column{}, left.Columns...)
	for _, col := range right.Columns {
		if isKey[col.Name] {
			continue
		}
		if left.HasColumn(col.Name) {
			return strata.Schema{}, fmt.Errorf("join output column %q is ambiguous between inputs", col.Name)
		}
		out = append(out, col)
	}
	return strata.NewSchema(out...), nil
}
