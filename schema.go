package strata

import (
	"fmt"
	"strings"
)

// ColumnType enumerates the value types a column may hold.
type ColumnType int

const (
	// Int64Type indicates a column of 64-bit signed integers
	Int64Type ColumnType = iota
	// Float64Type indicates a column of 64-bit floats
	Float64Type
	// StringType indicates a column of strings
	StringType
	// BoolType indicates a column of booleans
	BoolType
)

// String returns the name of a ColumnType
func (t ColumnType) String() string {
	switch t {
	case Int64Type:
		return "int64"
	case Float64Type:
		return "float64"
	case StringType:
		return "string"
	case BoolType:
		return "bool"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Column is a named, typed position within a Schema
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is the ordered set of Columns describing the shape of a Batch
type Schema struct {
	Columns []Column `json:"columns"`
}

// NewSchema constructs a Schema from Columns
func NewSchema(cols ...Column) Schema {
	return Schema{Columns: cols}
}

// NumColumns returns the number of Columns in this Schema
func (s Schema) NumColumns() int {
	return len(s.Columns)
}

// IndexOf returns the position of the named Column, or -1 if absent
func (s Schema) IndexOf(name string) int {
	for i, col := range s.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// HasColumn returns true iff the named Column exists in this Schema
func (s Schema) HasColumn(name string) bool {
	return s.IndexOf(name) >= 0
}

// ColumnNames returns the Column names in Schema order
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		names[i] = col.Name
	}
	return names
}

// Equals returns nil iff both Schemas have identical Columns in identical order
func (s Schema) Equals(other Schema) error {
	if len(s.Columns) != len(other.Columns) {
		return fmt.Errorf("schemas have different widths: %d vs %d", len(s.Columns), len(other.Columns))
	}
	for i, col := range s.Columns {
		if other.Columns[i] != col {
			return fmt.Errorf("schemas differ at column %d: %s %s vs %s %s", i, col.Name, col.Type, other.Columns[i].Name, other.Columns[i].Type)
		}
	}
	return nil
}

// Clone returns a deep copy of this Schema
func (s Schema) Clone() Schema {
	cols := make([]Column, len(s.Columns))
	copy(cols, s.Columns)
	return Schema{Columns: cols}
}

// String returns a compact textual rendering of this Schema
func (s Schema) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, col := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", col.Name, col.Type)
	}
	b.WriteString("}")
	return b.String()
}
