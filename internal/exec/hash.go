package exec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/go-strata/strata"
)

// rowHasher computes a stable hash of a row's key columns, used to choose
// an exchange bucket. The same key values always produce the same bucket
// regardless of which worker computes it.
type rowHasher struct {
	schema strata.Schema
	cols   []int
	buf    []byte
}

func newRowHasher(schema strata.Schema, keys []string) (*rowHasher, error) {
	cols := make([]int, len(keys))
	for i, key := range keys {
		idx := schema.IndexOf(key)
		if idx < 0 {
			return nil, fmt.Errorf("hash key column %q not present in schema %s", key, schema)
		}
		cols[i] = idx
	}
	return &rowHasher{schema: schema, cols: cols, buf: make([]byte, 0, 64)}, nil
}

func (h *rowHasher) hash(b *strata.Batch, row int) uint64 {
	h.buf = h.buf[:0]
	for _, col := range h.cols {
		switch h.schema.Columns[col].Type {
		case strata.Int64Type:
			h.buf = append(h.buf, 'i')
			h.buf = appendUint64(h.buf, uint64(b.Cols[col].Ints[row]))
		case strata.Float64Type:
			h.buf = append(h.buf, 'f')
			h.buf = appendUint64(h.buf, math.Float64bits(b.Cols[col].Floats[row]))
		case strata.StringType:
			h.buf = append(h.buf, 's')
			h.buf = append(h.buf, b.Cols[col].Strings[row]...)
			h.buf = append(h.buf, 0xff)
		case strata.BoolType:
			h.buf = append(h.buf, 'b')
			if b.Cols[col].Bools[row] {
				h.buf = append(h.buf, 1)
			} else {
				h.buf = append(h.buf, 0)
			}
		}
	}
	return xxhash.Sum64(h.buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// groupKey renders the key columns of a row as a comparable string, used
// by the aggregate and join kernels to bucket rows within a task.
func (h *rowHasher) groupKey(b *strata.Batch, row int) string {
	h.buf = h.buf[:0]
	for _, col := range h.cols {
		switch h.schema.Columns[col].Type {
		case strata.Int64Type:
			h.buf = appendUint64(h.buf, uint64(b.Cols[col].Ints[row]))
		case strata.Float64Type:
			h.buf = appendUint64(h.buf, math.Float64bits(b.Cols[col].Floats[row]))
		case strata.StringType:
			h.buf = append(h.buf, b.Cols[col].Strings[row]...)
			h.buf = append(h.buf, 0xff)
		case strata.BoolType:
			if b.Cols[col].Bools[row] {
				h.buf = append(h.buf, 1)
			} else {
				h.buf = append(h.buf, 0)
			}
		}
	}
	return string(h.buf)
}
