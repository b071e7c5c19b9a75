package datasource

import (
	"bufio"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"github.com/go-strata/strata"
)

// sourceBatchRows is the number of rows a file-backed source packs into one
// batch.
const sourceBatchRows = 1024

// maxLineBytes caps the length of one input line.
const maxLineBytes = 16 << 20

// openJSONL streams one JSON Lines file. Column names are gjson paths
// resolved against each line; absent paths produce the column type's zero
// value. Blank lines are skipped.
func openJSONL(spec *strata.SourceSpec, partition int) (strata.Cursor, error) {
	if partition >= len(spec.Paths) {
		return nil, fmt.Errorf("jsonl source has no path for partition %d", partition)
	}
	f, err := os.Open(spec.Paths[partition])
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return &jsonlCursor{f: f, sc: sc, schema: spec.Schema}, nil
}

type jsonlCursor struct {
	f      *os.File
	sc     *bufio.Scanner
	schema strata.Schema
	done   bool
}

func (c *jsonlCursor) Next() (*strata.Batch, error) {
	if c.done {
		return nil, nil
	}
	b := strata.NewBatch(c.schema)
	for b.NumRows() < sourceBatchRows {
		if !c.sc.Scan() {
			if err := c.sc.Err(); err != nil {
				return nil, err
			}
			c.done = true
			break
		}
		line := c.sc.Text()
		if len(line) == 0 {
			continue
		}
		vals, err := parseJSONLine(line, c.schema)
		if err != nil {
			return nil, err
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

func (c *jsonlCursor) Close() error {
	return c.f.Close()
}

func parseJSONLine(line string, schema strata.Schema) ([]interface{}, error) {
	if !gjson.Valid(line) {
		return nil, fmt.Errorf("malformed JSON line: %.80s", line)
	}
	parsed := gjson.Parse(line)
	vals := make([]interface{}, len(schema.Columns))
	for i, col := range schema.Columns {
		v, err := jsonValue(parsed.Get(col.Name), col)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// jsonValue converts one gjson result to the column's value type.
func jsonValue(res gjson.Result, col strata.Column) (interface{}, error) {
	switch col.Type {
	case strata.Int64Type:
		if !res.Exists() {
			return int64(0), nil
		}
		if res.Type != gjson.Number {
			return nil, fmt.Errorf("column %s is not a number: %s", col.Name, res.Raw)
		}
		return res.Int(), nil
	case strata.Float64Type:
		if !res.Exists() {
			return float64(0), nil
		}
		if res.Type != gjson.Number {
			return nil, fmt.Errorf("column %s is not a number: %s", col.Name, res.Raw)
		}
		return res.Float(), nil
	case strata.StringType:
		if !res.Exists() {
			return "", nil
		}
		if res.Type != gjson.String {
			return nil, fmt.Errorf("column %s is not a string: %s", col.Name, res.Raw)
		}
		return res.Str, nil
	case strata.BoolType:
		if !res.Exists() {
			return false, nil
		}
		if res.Type != gjson.True && res.Type != gjson.False {
			return nil, fmt.Errorf("column %s is not a boolean: %s", col.Name, res.Raw)
		}
		return res.Bool(), nil
	default:
		return nil, fmt.Errorf("jsonl source does not support column type %s", col.Type)
	}
}
