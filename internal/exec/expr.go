package exec

import (
	"fmt"

	"github.com/go-strata/strata"
)

// compiledPred is a Pred resolved against a concrete input schema
type compiledPred struct {
	col  int
	typ  strata.ColumnType
	cmp  strata.CmpOp
	iVal int64
	fVal float64
	sVal string
	bVal bool
}

func compilePred(schema strata.Schema, p strata.Pred) (*compiledPred, error) {
	idx := schema.IndexOf(p.Col)
	if idx < 0 {
		return nil, fmt.Errorf("filter column %q not present in schema %s", p.Col, schema)
	}
	cp := &compiledPred{col: idx, typ: schema.Columns[idx].Type, cmp: p.Cmp}
	switch cp.typ {
	case strata.Int64Type:
		// JSON round-trips numeric literals as float64
		switch v := p.Value.(type) {
		case int64:
			cp.iVal = v
		case int:
			cp.iVal = int64(v)
		case float64:
			cp.iVal = int64(v)
		default:
			return nil, fmt.Errorf("filter literal %v is not numeric for int64 column %q", p.Value, p.Col)
		}
	case strata.Float64Type:
		switch v := p.Value.(type) {
		case float64:
			cp.fVal = v
		case int64:
			cp.fVal = float64(v)
		case int:
			cp.fVal = float64(v)
		default:
			return nil, fmt.Errorf("filter literal %v is not numeric for float64 column %q", p.Value, p.Col)
		}
	case strata.StringType:
		v, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("filter literal %v is not a string for column %q", p.Value, p.Col)
		}
		cp.sVal = v
	case strata.BoolType:
		v, ok := p.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("filter literal %v is not a bool for column %q", p.Value, p.Col)
		}
		if cp.cmp != strata.CmpEq && cp.cmp != strata.CmpNe {
			return nil, fmt.Errorf("bool column %q supports only eq/ne", p.Col)
		}
		cp.bVal = v
	}
	return cp, nil
}

func (cp *compiledPred) eval(b *strata.Batch, row int) bool {
	switch cp.typ {
	case strata.Int64Type:
		return cmpOrdered(compareInt64(b.Cols[cp.col].Ints[row], cp.iVal), cp.cmp)
	case strata.Float64Type:
		return cmpOrdered(compareFloat64(b.Cols[cp.col].Floats[row], cp.fVal), cp.cmp)
	case strata.StringType:
		return cmpOrdered(compareString(b.Cols[cp.col].Strings[row], cp.sVal), cp.cmp)
	case strata.BoolType:
		eq := b.Cols[cp.col].Bools[row] == cp.bVal
		if cp.cmp == strata.CmpEq {
			return eq
		}
		return !eq
	default:
		return false
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpOrdered(c int, op strata.CmpOp) bool {
	switch op {
	case strata.CmpEq:
		return c == 0
	case strata.CmpNe:
		return c != 0
	case strata.CmpLt:
		return c < 0
	case strata.CmpLe:
		return c <= 0
	case strata.CmpGt:
		return c > 0
	case strata.CmpGe:
		return c >= 0
	default:
		return false
	}
}
