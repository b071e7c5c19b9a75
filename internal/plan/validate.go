package plan

import (
	"fmt"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
)

// Validate checks a physical plan for structural soundness before it is cut
// into stages: operator arity, source declarations, exchange specs and column
// references all have to line up. It returns an InvalidPlanError describing
// the first problem found.
func Validate(p *strata.Plan) error {
	if p == nil || p.Root == nil {
		return &serrors.InvalidPlanError{Reason: "plan has no root operator"}
	}
	seen := make(map[*strata.Operator]bool)
	if err := walk(p.Root, seen); err != nil {
		return &serrors.InvalidPlanError{Reason: err.Error()}
	}
	if _, err := DeriveSchema(p.Root, nil); err != nil {
		return &serrors.InvalidPlanError{Reason: err.Error()}
	}
	return nil
}

func walk(op *strata.Operator, seen map[*strata.Operator]bool) error {
	if op == nil {
		return fmt.Errorf("plan contains a nil operator")
	}
	if seen[op] {
		return fmt.Errorf("operator %s appears more than once in the plan tree", op.Kind)
	}
	seen[op] = true

	want, ok := arity[op.Kind]
	if !ok {
		return fmt.Errorf("unknown operator kind %d", op.Kind)
	}
	if len(op.Children) != want {
		return fmt.Errorf("%s expects %d inputs, got %d", op.Kind, want, len(op.Children))
	}

	switch op.Kind {
	case strata.OpScan:
		if err := checkSource(op.Source); err != nil {
			return err
		}
	case strata.OpShuffleRead:
		return fmt.Errorf("shuffle read operators are inserted during stage planning and cannot appear in submitted plans")
	case strata.OpFilter:
		if len(op.Preds) == 0 {
			return fmt.Errorf("filter declares no predicates")
		}
	case strata.OpExchange:
		if err := checkExchange(op.Exchange); err != nil {
			return err
		}
	}

	for _, child := range op.Children {
		if err := walk(child, seen); err != nil {
			return err
		}
	}
	return nil
}

var arity = map[strata.OpKind]int{
	strata.OpScan:          0,
	strata.OpShuffleRead:   0,
	strata.OpFilter:        1,
	strata.OpProject:       1,
	strata.OpHashAggregate: 1,
	strata.OpExchange:      1,
	strata.OpHashJoin:      2,
}

func checkSource(spec *strata.SourceSpec) error {
	if spec == nil {
		return fmt.Errorf("scan operator carries no source")
	}
	if spec.Kind == "" {
		return fmt.Errorf("scan source declares no kind")
	}
	if spec.Partitions < 1 {
		return fmt.Errorf("scan source declares %d partitions", spec.Partitions)
	}
	if len(spec.Paths) > 0 && len(spec.Paths) != spec.Partitions {
		return fmt.Errorf("scan source declares %d partitions but %d paths", spec.Partitions, len(spec.Paths))
	}
	if len(spec.Inline) > 0 && len(spec.Inline) != spec.Partitions {
		return fmt.Errorf("scan source declares %d partitions but %d inline chunks", spec.Partitions, len(spec.Inline))
	}
	return nil
}

func checkExchange(spec *strata.ExchangeSpec) error {
	if spec == nil {
		return fmt.Errorf("exchange operator carries no spec")
	}
	if spec.Partitions < 1 {
		return fmt.Errorf("exchange declares %d output partitions", spec.Partitions)
	}
	if spec.Partitions > 1 && len(spec.Keys) == 0 {
		return fmt.Errorf("exchange into %d partitions requires hash keys", spec.Partitions)
	}
	seen := make(map[string]bool, len(spec.Keys))
	for _, key := range spec.Keys {
		if key == "" {
			return fmt.Errorf("exchange declares an empty hash key")
		}
		if seen[key] {
			return fmt.Errorf("exchange hash key %q is duplicated", key)
		}
		seen[key] = true
	}
	return nil
}
