package datasource

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/go-strata/strata"
)

// openDSV streams one delimiter-separated file. The spec's Delimiter is a
// single rune, defaulting to a comma; quoting follows encoding/csv.
func openDSV(spec *strata.SourceSpec, partition int) (strata.Cursor, error) {
	if partition >= len(spec.Paths) {
		return nil, fmt.Errorf("dsv source has no path for partition %d", partition)
	}
	delim := ','
	if spec.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(spec.Delimiter)
		if r == utf8.RuneError || size != len(spec.Delimiter) {
			return nil, fmt.Errorf("dsv delimiter must be a single rune, got %q", spec.Delimiter)
		}
		delim = r
	}
	f, err := os.Open(spec.Paths[partition])
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.Comma = delim
	r.FieldsPerRecord = spec.Schema.NumColumns()
	r.ReuseRecord = true
	return &dsvCursor{f: f, r: r, schema: spec.Schema}, nil
}

type dsvCursor struct {
	f      *os.File
	r      *csv.Reader
	schema strata.Schema
	done   bool
}

func (c *dsvCursor) Next() (*strata.Batch, error) {
	if c.done {
		return nil, nil
	}
	b := strata.NewBatch(c.schema)
	for b.NumRows() < sourceBatchRows {
		rec, err := c.r.Read()
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		vals := make([]interface{}, len(rec))
		for i, field := range rec {
			v, verr := dsvValue(field, c.schema.Columns[i])
			if verr != nil {
				return nil, verr
			}
			vals[i] = v
		}
		if err := b.AppendRow(vals...); err != nil {
			return nil, err
		}
	}
	if b.NumRows() == 0 {
		return nil, nil
	}
	return b, nil
}

func (c *dsvCursor) Close() error {
	return c.f.Close()
}

// dsvValue parses one field as the column's value type. Empty fields produce
// the type's zero value.
func dsvValue(field string, col strata.Column) (interface{}, error) {
	switch col.Type {
	case strata.Int64Type:
		if field == "" {
			return int64(0), nil
		}
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s is not an integer: %q", col.Name, field)
		}
		return v, nil
	case strata.Float64Type:
		if field == "" {
			return float64(0), nil
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s is not a number: %q", col.Name, field)
		}
		return v, nil
	case strata.StringType:
		return field, nil
	case strata.BoolType:
		if field == "" {
			return false, nil
		}
		v, err := strconv.ParseBool(field)
		if err != nil {
			return nil, fmt.Errorf("column %s is not a boolean: %q", col.Name, field)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("dsv source does not support column type %s", col.Type)
	}
}
