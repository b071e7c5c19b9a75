package shuffle

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/logging"
	"github.com/stretchr/testify/require"
)

func testSchema() strata.Schema {
	return strata.NewSchema(
		strata.Column{Name: "region", Type: strata.StringType},
		strata.Column{Name: "amount", Type: strata.Int64Type},
		strata.Column{Name: "rate", Type: strata.Float64Type},
		strata.Column{Name: "priority", Type: strata.BoolType},
	)
}

func testBatch(t *testing.T, rows ...[]interface{}) *strata.Batch {
	t.Helper()
	b := strata.NewBatch(testSchema())
	for _, row := range rows {
		require.Nil(t, b.AppendRow(row...))
	}
	return b
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), logging.NewNopLogger())
	require.Nil(t, err)
	return s
}

func drain(t *testing.T, r *Reader) []*strata.Batch {
	t.Helper()
	defer r.Close()
	var batches []*strata.Batch
	for {
		b, err := r.Next()
		require.Nil(t, err)
		if b == nil {
			return batches
		}
		batches = append(batches, b)
	}
}

func TestStoreRoundtrip(t *testing.T) {
	s := newTestStore(t)
	id := strata.TaskID{Job: "job-1", Stage: 0, Partition: 2}

	w, err := s.CreateWriter(id, 0)
	require.Nil(t, err)
	require.Nil(t, w.Append(testBatch(t,
		[]interface{}{"west", int64(10), 0.5, true},
		[]interface{}{"east", int64(-3), 2.25, false},
	)))
	require.Nil(t, w.Append(testBatch(t,
		[]interface{}{"north", int64(7), -1.75, false},
	)))
	stats, err := w.Commit()
	require.Nil(t, err)
	require.Equal(t, int64(2), stats.Batches)
	require.Equal(t, int64(3), stats.Rows)
	require.True(t, stats.Bytes > 0)
	require.Equal(t, 2, stats.Partition)

	got, ok := s.Stats(id)
	require.True(t, ok)
	require.Equal(t, stats, got)

	r, err := s.Open(id)
	require.Nil(t, err)
	batches := drain(t, r)
	require.Equal(t, 2, len(batches))
	require.Equal(t, []string{"region", "amount", "rate", "priority"}, batches[0].Schema.ColumnNames())
	require.Equal(t, "west", batches[0].Value(0, 0))
	require.Equal(t, int64(-3), batches[0].Value(1, 1))
	require.Equal(t, 2.25, batches[0].Value(1, 2))
	require.Equal(t, true, batches[0].Value(0, 3))
	require.Equal(t, "north", batches[1].Value(0, 0))
}

func TestStoreUncommittedInvisible(t *testing.T) {
	s := newTestStore(t)
	id := strata.TaskID{Job: "job-1", Stage: 1, Partition: 0}

	w, err := s.CreateWriter(id, 0)
	require.Nil(t, err)
	require.Nil(t, w.Append(testBatch(t, []interface{}{"west", int64(1), 1.0, true})))

	_, err = s.Open(id)
	var pnf *serrors.PartitionNotFoundError
	require.True(t, errors.As(err, &pnf))

	w.Discard()
	_, err = s.Open(id)
	require.True(t, errors.As(err, &pnf))

	// Discard after Commit must not unpublish.
	w2, err := s.CreateWriter(id, 1)
	require.Nil(t, err)
	require.Nil(t, w2.Append(testBatch(t, []interface{}{"east", int64(2), 2.0, false})))
	_, err = w2.Commit()
	require.Nil(t, err)
	w2.Discard()
	_, err = s.Open(id)
	require.Nil(t, err)
}

func TestStoreLastCommitWins(t *testing.T) {
	s := newTestStore(t)
	id := strata.TaskID{Job: "job-1", Stage: 0, Partition: 0}

	w, err := s.CreateWriter(id, 0)
	require.Nil(t, err)
	require.Nil(t, w.Append(testBatch(t, []interface{}{"stale", int64(1), 1.0, false})))
	_, err = w.Commit()
	require.Nil(t, err)

	w, err = s.CreateWriter(id, 1)
	require.Nil(t, err)
	require.Nil(t, w.Append(testBatch(t, []interface{}{"fresh", int64(2), 2.0, true})))
	_, err = w.Commit()
	require.Nil(t, err)

	r, err := s.Open(id)
	require.Nil(t, err)
	batches := drain(t, r)
	require.Equal(t, 1, len(batches))
	require.Equal(t, "fresh", batches[0].Value(0, 0))
}

func TestStoreEvict(t *testing.T) {
	s := newTestStore(t)
	keep := strata.TaskID{Job: "job-keep", Stage: 0, Partition: 0}
	gone := strata.TaskID{Job: "job-gone", Stage: 0, Partition: 0}

	for _, id := range []strata.TaskID{keep, gone} {
		w, err := s.CreateWriter(id, 0)
		require.Nil(t, err)
		require.Nil(t, w.Append(testBatch(t, []interface{}{"x", int64(1), 1.0, true})))
		_, err = w.Commit()
		require.Nil(t, err)
	}
	require.ElementsMatch(t, []string{"job-keep", "job-gone"}, s.Jobs())

	require.Equal(t, 1, s.Evict("job-gone"))
	require.Equal(t, []string{"job-keep"}, s.Jobs())

	var pnf *serrors.PartitionNotFoundError
	_, err := s.Open(gone)
	require.True(t, errors.As(err, &pnf))
	_, err = s.Open(keep)
	require.Nil(t, err)

	require.Equal(t, 0, s.Evict("job-gone"))
}

func TestOpenRawServesDecodableBytes(t *testing.T) {
	s := newTestStore(t)
	id := strata.TaskID{Job: "job-1", Stage: 0, Partition: 1}

	w, err := s.CreateWriter(id, 0)
	require.Nil(t, err)
	require.Nil(t, w.Append(testBatch(t, []interface{}{"west", int64(42), 0.25, true})))
	stats, err := w.Commit()
	require.Nil(t, err)

	raw, size, err := s.OpenRaw(id)
	require.Nil(t, err)
	defer raw.Close()
	require.Equal(t, stats.Bytes, size)

	var buf bytes.Buffer
	_, err = io.Copy(&buf, raw)
	require.Nil(t, err)

	r := NewReader(&buf)
	defer r.Close()
	b, err := r.Next()
	require.Nil(t, err)
	require.NotNil(t, b)
	require.Equal(t, int64(42), b.Value(0, 1))
	b, err = r.Next()
	require.Nil(t, err)
	require.Nil(t, b)
}
