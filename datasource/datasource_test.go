package datasource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-strata/strata"
)

func eventsSchema() strata.Schema {
	return strata.NewSchema(
		strata.Column{Name: "name", Type: strata.StringType},
		strata.Column{Name: "count", Type: strata.Int64Type},
	)
}

func drainRows(t *testing.T, cur strata.Cursor) [][]interface{} {
	t.Helper()
	defer cur.Close()
	var rows [][]interface{}
	for {
		b, err := cur.Next()
		require.Nil(t, err)
		if b == nil {
			return rows
		}
		for i := 0; i < b.NumRows(); i++ {
			row := make([]interface{}, b.Schema.NumColumns())
			for c := range row {
				row[c] = b.Value(i, c)
			}
			rows = append(rows, row)
		}
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.Nil(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMemorySourcePartitions(t *testing.T) {
	spec, err := Memory(eventsSchema(),
		[][]interface{}{{"click", int64(3)}, {"view", int64(8)}},
		[][]interface{}{{"scroll", int64(1)}},
	)
	require.Nil(t, err)
	require.Equal(t, 2, spec.Partitions)

	cur, err := Open(spec, 0)
	require.Nil(t, err)
	rows := drainRows(t, cur)
	require.Equal(t, [][]interface{}{{"click", int64(3)}, {"view", int64(8)}}, rows)

	cur, err = Open(spec, 1)
	require.Nil(t, err)
	rows = drainRows(t, cur)
	require.Equal(t, [][]interface{}{{"scroll", int64(1)}}, rows)
}

func TestMemorySourceRejectsMismatchedRow(t *testing.T) {
	_, err := Memory(eventsSchema(), [][]interface{}{{"click", "not-a-number"}})
	require.NotNil(t, err)
}

func TestJSONLSource(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "events.jsonl",
		`{"name":"click","count":3,"meta":{"region":"west"}}
{"name":"view","count":8,"meta":{"region":"east"}}

{"name":"scroll"}
`)
	schema := strata.NewSchema(
		strata.Column{Name: "name", Type: strata.StringType},
		strata.Column{Name: "count", Type: strata.Int64Type},
		strata.Column{Name: "meta.region", Type: strata.StringType},
	)
	spec := &strata.SourceSpec{Kind: KindJSONL, Schema: schema, Partitions: 1, Paths: []string{path}}

	cur, err := Open(spec, 0)
	require.Nil(t, err)
	rows := drainRows(t, cur)
	require.Equal(t, [][]interface{}{
		{"click", int64(3), "west"},
		{"view", int64(8), "east"},
		{"scroll", int64(0), ""},
	}, rows)
}

func TestJSONLSourceRejectsWrongType(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.jsonl", `{"name":"click","count":"three"}`+"\n")
	spec := &strata.SourceSpec{Kind: KindJSONL, Schema: eventsSchema(), Partitions: 1, Paths: []string{path}}

	cur, err := Open(spec, 0)
	require.Nil(t, err)
	defer cur.Close()
	_, err = cur.Next()
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "count")
}

func TestDSVSource(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "events.dsv", "click|3\n\"view,all\"|8\nscroll|\n")
	spec := &strata.SourceSpec{
		Kind:       KindDSV,
		Schema:     eventsSchema(),
		Partitions: 1,
		Paths:      []string{path},
		Delimiter:  "|",
	}

	cur, err := Open(spec, 0)
	require.Nil(t, err)
	rows := drainRows(t, cur)
	require.Equal(t, [][]interface{}{
		{"click", int64(3)},
		{"view,all", int64(8)},
		{"scroll", int64(0)},
	}, rows)
}

func TestDSVSourceRejectsBadInteger(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.dsv", "click,three\n")
	spec := &strata.SourceSpec{Kind: KindDSV, Schema: eventsSchema(), Partitions: 1, Paths: []string{path}}

	cur, err := Open(spec, 0)
	require.Nil(t, err)
	defer cur.Close()
	_, err = cur.Next()
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "count")
}

func TestOpenRejectsUnknownKindAndRange(t *testing.T) {
	spec := &strata.SourceSpec{Kind: "somewhere", Schema: eventsSchema(), Partitions: 2}
	_, err := Open(spec, 0)
	require.NotNil(t, err)

	mem, err := Memory(eventsSchema(), [][]interface{}{{"click", int64(1)}})
	require.Nil(t, err)
	_, err = Open(mem, 1)
	require.NotNil(t, err)
	_, err = Open(mem, -1)
	require.NotNil(t, err)
}

type oneBatchCursor struct{ b *strata.Batch }

func (c *oneBatchCursor) Next() (*strata.Batch, error) {
	b := c.b
	c.b = nil
	return b, nil
}

func (c *oneBatchCursor) Close() error { return nil }

func TestRegisterSourceExtension(t *testing.T) {
	RegisterSource("fixed", func(spec *strata.SourceSpec, partition int) (strata.Cursor, error) {
		b := strata.NewBatch(spec.Schema)
		if err := b.AppendRow("custom", int64(partition)); err != nil {
			return nil, err
		}
		return &oneBatchCursor{b: b}, nil
	})

	spec := &strata.SourceSpec{Kind: "fixed", Schema: eventsSchema(), Partitions: 3}
	cur, err := Open(spec, 2)
	require.Nil(t, err)
	rows := drainRows(t, cur)
	require.Equal(t, [][]interface{}{{"custom", int64(2)}}, rows)
}
