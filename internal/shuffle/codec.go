// Package shuffle persists and serves the partitioned output of tasks. Each
// committed partition is a single lz4-compressed segment of length-prefixed
// column batches; readers stream batches back without loading whole
// partitions.
package shuffle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pierrec/lz4"

	"github.com/go-strata/strata"
)

const (
	// maxColumns bounds decoded schema width against corrupt segments.
	maxColumns = 4096
	// maxValueLen bounds decoded string values against corrupt segments.
	maxValueLen = 64 << 20
)

// writeBatch encodes one batch: schema header, row count, then columnar
// values. Fixed-width values are little-endian; strings are length-prefixed.
func writeBatch(w io.Writer, b *strata.Batch) error {
	var scratch [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) error {
		n := binary.PutUvarint(scratch[:], v)
		_, err := w.Write(scratch[:n])
		return err
	}

	if err := putUvarint(uint64(b.Schema.NumColumns())); err != nil {
		return err
	}
	for _, col := range b.Schema.Columns {
		if err := putUvarint(uint64(len(col.Name))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, col.Name); err != nil {
			return err
		}
		if _, err := w.Write([]byte{byte(col.Type)}); err != nil {
			return err
		}
	}
	if err := putUvarint(uint64(b.NumRows())); err != nil {
		return err
	}

	var fixed [8]byte
	for i, col := range b.Schema.Columns {
		data := b.Cols[i]
		switch col.Type {
		case strata.Int64Type:
			for _, v := range data.Ints {
				binary.LittleEndian.PutUint64(fixed[:], uint64(v))
				if _, err := w.Write(fixed[:]); err != nil {
					return err
				}
			}
		case strata.Float64Type:
			for _, v := range data.Floats {
				binary.LittleEndian.PutUint64(fixed[:], math.Float64bits(v))
				if _, err := w.Write(fixed[:]); err != nil {
					return err
				}
			}
		case strata.StringType:
			for _, v := range data.Strings {
				if err := putUvarint(uint64(len(v))); err != nil {
					return err
				}
				if _, err := io.WriteString(w, v); err != nil {
					return err
				}
			}
		case strata.BoolType:
			for _, v := range data.Bools {
				x := byte(0)
				if v {
					x = 1
				}
				if _, err := w.Write([]byte{x}); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("cannot encode column type %s", col.Type)
		}
	}
	return nil
}

// readBatch decodes one batch, returning (nil, nil) at a clean end of
// stream.
func readBatch(r *bufio.Reader) (*strata.Batch, error) {
	ncols, err := binary.ReadUvarint(r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ncols == 0 || ncols > maxColumns {
		return nil, fmt.Errorf("segment declares %d columns", ncols)
	}

	cols := make([]strata.Column, ncols)
	for i := range cols {
		nameLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, segErr(err)
		}
		if nameLen > maxValueLen {
			return nil, fmt.Errorf("segment declares %d byte column name", nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, segErr(err)
		}
		typ, err := r.ReadByte()
		if err != nil {
			return nil, segErr(err)
		}
		ct := strata.ColumnType(typ)
		switch ct {
		case strata.Int64Type, strata.Float64Type, strata.StringType, strata.BoolType:
		default:
			return nil, fmt.Errorf("segment declares unknown column type %d", typ)
		}
		cols[i] = strata.Column{Name: string(name), Type: ct}
	}

	nrows, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, segErr(err)
	}
	b := strata.NewBatch(strata.NewSchema(cols...))
	var fixed [8]byte
	for i, col := range cols {
		switch col.Type {
		case strata.Int64Type:
			vals := make([]int64, nrows)
			for j := range vals {
				if _, err := io.ReadFull(r, fixed[:]); err != nil {
					return nil, segErr(err)
				}
				vals[j] = int64(binary.LittleEndian.Uint64(fixed[:]))
			}
			b.Cols[i].Ints = vals
		case strata.Float64Type:
			vals := make([]float64, nrows)
			for j := range vals {
				if _, err := io.ReadFull(r, fixed[:]); err != nil {
					return nil, segErr(err)
				}
				vals[j] = math.Float64frombits(binary.LittleEndian.Uint64(fixed[:]))
			}
			b.Cols[i].Floats = vals
		case strata.StringType:
			vals := make([]string, nrows)
			for j := range vals {
				strLen, err := binary.ReadUvarint(r)
				if err != nil {
					return nil, segErr(err)
				}
				if strLen > maxValueLen {
					return nil, fmt.Errorf("segment declares %d byte value", strLen)
				}
				buf := make([]byte, strLen)
				if _, err := io.ReadFull(r, buf); err != nil {
					return nil, segErr(err)
				}
				vals[j] = string(buf)
			}
			b.Cols[i].Strings = vals
		case strata.BoolType:
			vals := make([]bool, nrows)
			for j := range vals {
				x, err := r.ReadByte()
				if err != nil {
					return nil, segErr(err)
				}
				vals[j] = x != 0
			}
			b.Cols[i].Bools = vals
		}
	}
	b.NumRow = int(nrows)
	return b, nil
}

// segErr converts a mid-record EOF into an unexpected one so callers can
// tell truncation from a clean end of stream.
func segErr(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// EncodeSegment encodes batches into one in-memory segment in the same
// format Writer produces on disk. Inline data sources carry these blobs.
func EncodeSegment(batches ...*strata.Batch) ([]byte, error) {
	var buf bytes.Buffer
	lz := lz4.NewWriter(&buf)
	for _, b := range batches {
		if err := writeBatch(lz, b); err != nil {
			return nil, err
		}
	}
	if err := lz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reader streams batches out of one encoded segment.
type Reader struct {
	src io.Closer
	br  *bufio.Reader
}

// NewReader decodes a segment from r. Close closes nothing; use this for
// in-memory or socket-backed segments whose lifecycle the caller owns.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(lz4.NewReader(r))}
}

// Next returns the next batch, or (nil, nil) at the end of the segment.
func (r *Reader) Next() (*strata.Batch, error) {
	return readBatch(r.br)
}

// Close releases the underlying segment, if the Reader owns one.
func (r *Reader) Close() error {
	if r.src != nil {
		return r.src.Close()
	}
	return nil
}
