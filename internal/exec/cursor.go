package exec

import (
	"github.com/go-strata/strata"
)

// batchesCursor yields a fixed slice of batches
type batchesCursor struct {
	batches []*strata.Batch
	pos     int
}

func newBatchesCursor(batches []*strata.Batch) Cursor {
	return &batchesCursor{batches: batches}
}

func (c *batchesCursor) Next() (*strata.Batch, error) {
	if c.pos >= len(c.batches) {
		return nil, nil
	}
	b := c.batches[c.pos]
	c.pos++
	return b, nil
}

func (c *batchesCursor) Close() error { return nil }

// concatCursor drains a sequence of cursors in order, opening each lazily
type concatCursor struct {
	open    func(i int) (Cursor, error)
	n       int
	pos     int
	current Cursor
}

func newConcatCursor(n int, open func(i int) (Cursor, error)) Cursor {
	return &concatCursor{open: open, n: n}
}

func (c *concatCursor) Next() (*strata.Batch, error) {
	for {
		if c.current == nil {
			if c.pos >= c.n {
				return nil, nil
			}
			cur, err := c.open(c.pos)
			if err != nil {
				return nil, err
			}
			c.pos++
			c.current = cur
		}
		b, err := c.current.Next()
		if err != nil {
			c.current.Close()
			c.current = nil
			return nil, err
		}
		if b == nil {
			c.current.Close()
			c.current = nil
			continue
		}
		return b, nil
	}
}

func (c *concatCursor) Close() error {
	if c.current != nil {
		err := c.current.Close()
		c.current = nil
		return err
	}
	return nil
}

// mapCursor applies fn to every batch of its input, dropping empty results
type mapCursor struct {
	in Cursor
	fn func(*strata.Batch) (*strata.Batch, error)
}

func newMapCursor(in Cursor, fn func(*strata.Batch) (*strata.Batch, error)) Cursor {
	return &mapCursor{in: in, fn: fn}
}

func (c *mapCursor) Next() (*strata.Batch, error) {
	for {
		b, err := c.in.Next()
		if err != nil || b == nil {
			return nil, err
		}
		out, err := c.fn(b)
		if err != nil {
			return nil, err
		}
		if out == nil || out.NumRows() == 0 {
			continue
		}
		return out, nil
	}
}

func (c *mapCursor) Close() error { return c.in.Close() }

// bucketCursor keeps the rows of its input which hash to one exchange bucket
func newBucketCursor(in Cursor, spec *strata.ExchangeSpec, partition int) Cursor {
	var h *rowHasher
	return newMapCursor(in, func(b *strata.Batch) (*strata.Batch, error) {
		if h == nil {
			var err error
			h, err = newRowHasher(b.Schema, spec.Keys)
			if err != nil {
				return nil, err
			}
		}
		mask := make([]bool, b.NumRows())
		for i := 0; i < b.NumRows(); i++ {
			mask[i] = int(h.hash(b, i)%uint64(spec.Partitions)) == partition
		}
		return b.Take(mask), nil
	})
}
