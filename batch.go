package strata

import (
	"fmt"
)

// Col holds the values of one column of a Batch. Exactly one of the
// value slices is populated, matching the column's declared type.
type Col struct {
	Ints    []int64
	Floats  []float64
	Strings []string
	Bools   []bool
}

// Len returns the number of values in this Col
func (c *Col) Len() int {
	switch {
	case c.Ints != nil:
		return len(c.Ints)
	case c.Floats != nil:
		return len(c.Floats)
	case c.Strings != nil:
		return len(c.Strings)
	case c.Bools != nil:
		return len(c.Bools)
	default:
		return 0
	}
}

// Batch is a horizontal slice of columnar data: a Schema plus one Col of
// values per Column, all of equal length. Batches are the unit of data
// exchanged between operators and shipped between workers.
type Batch struct {
	Schema Schema
	Cols   []Col
	NumRow int
}

// NewBatch constructs an empty Batch with the given Schema, pre-sizing
// each Col for the declared type.
func NewBatch(schema Schema) *Batch {
	cols := make([]Col, len(schema.Columns))
	for i, col := range schema.Columns {
		switch col.Type {
		case Int64Type:
			cols[i].Ints = []int64{}
		case Float64Type:
			cols[i].Floats = []float64{}
		case StringType:
			cols[i].Strings = []string{}
		case BoolType:
			cols[i].Bools = []bool{}
		}
	}
	return &Batch{Schema: schema, Cols: cols}
}

// NumRows returns the number of rows in this Batch
func (b *Batch) NumRows() int {
	return b.NumRow
}

// AppendRow appends one row of values, which must match the Schema in
// count and type.
func (b *Batch) AppendRow(vals ...interface{}) error {
	if len(vals) != len(b.Schema.Columns) {
		return fmt.Errorf("row width %d does not match schema width %d", len(vals), len(b.Schema.Columns))
	}
	for i, col := range b.Schema.Columns {
		switch col.Type {
		case Int64Type:
			v, ok := toInt64(vals[i])
			if !ok {
				return fmt.Errorf("column %s expects int64, got %T", col.Name, vals[i])
			}
			b.Cols[i].Ints = append(b.Cols[i].Ints, v)
		case Float64Type:
			v, ok := toFloat64(vals[i])
			if !ok {
				return fmt.Errorf("column %s expects float64, got %T", col.Name, vals[i])
			}
			b.Cols[i].Floats = append(b.Cols[i].Floats, v)
		case StringType:
			v, ok := vals[i].(string)
			if !ok {
				return fmt.Errorf("column %s expects string, got %T", col.Name, vals[i])
			}
			b.Cols[i].Strings = append(b.Cols[i].Strings, v)
		case BoolType:
			v, ok := vals[i].(bool)
			if !ok {
				return fmt.Errorf("column %s expects bool, got %T", col.Name, vals[i])
			}
			b.Cols[i].Bools = append(b.Cols[i].Bools, v)
		}
	}
	b.NumRow++
	return nil
}

// AppendRowFrom appends row idx of src, whose Schema must equal b's.
func (b *Batch) AppendRowFrom(src *Batch, idx int) {
	for i, col := range b.Schema.Columns {
		switch col.Type {
		case Int64Type:
			b.Cols[i].Ints = append(b.Cols[i].Ints, src.Cols[i].Ints[idx])
		case Float64Type:
			b.Cols[i].Floats = append(b.Cols[i].Floats, src.Cols[i].Floats[idx])
		case StringType:
			b.Cols[i].Strings = append(b.Cols[i].Strings, src.Cols[i].Strings[idx])
		case BoolType:
			b.Cols[i].Bools = append(b.Cols[i].Bools, src.Cols[i].Bools[idx])
		}
	}
	b.NumRow++
}

// Take returns a new Batch containing the rows of b whose mask entry is true.
func (b *Batch) Take(mask []bool) *Batch {
	out := NewBatch(b.Schema)
	for i := 0; i < b.NumRow; i++ {
		if mask[i] {
			out.AppendRowFrom(b, i)
		}
	}
	return out
}

// Value returns the value at (row, col) boxed as an interface{}
func (b *Batch) Value(row, col int) interface{} {
	switch b.Schema.Columns[col].Type {
	case Int64Type:
		return b.Cols[col].Ints[row]
	case Float64Type:
		return b.Cols[col].Floats[row]
	case StringType:
		return b.Cols[col].Strings[row]
	case BoolType:
		return b.Cols[col].Bools[row]
	default:
		return nil
	}
}

// Cursor produces a sequence of Batches. Next returns (nil, nil) when the
// sequence is exhausted. Data sources yield their partitions through
// Cursors, and operator kernels consume and produce them.
type Cursor interface {
	Next() (*Batch, error)
	Close() error
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
