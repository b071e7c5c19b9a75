package datasource

import (
	"bytes"
	"fmt"

	"github.com/go-strata/strata"
	"github.com/go-strata/strata/internal/shuffle"
)

// openMemory streams one inline blob of encoded batches.
func openMemory(spec *strata.SourceSpec, partition int) (strata.Cursor, error) {
	if partition >= len(spec.Inline) {
		return nil, fmt.Errorf("memory source has no blob for partition %d", partition)
	}
	return shuffle.NewReader(bytes.NewReader(spec.Inline[partition])), nil
}

// EncodeBatches encodes batches into one inline blob for a memory source
// partition.
func EncodeBatches(batches ...*strata.Batch) ([]byte, error) {
	return shuffle.EncodeSegment(batches...)
}

// Memory builds a memory SourceSpec from literal rows, one slice of rows per
// partition. Each row must match the schema in width and value types.
func Memory(schema strata.Schema, partitions ...[][]interface{}) (*strata.SourceSpec, error) {
	spec := &strata.SourceSpec{
		Kind:       KindMemory,
		Schema:     schema,
		Partitions: len(partitions),
		Inline:     make([][]byte, len(partitions)),
	}
	for i, rows := range partitions {
		b := strata.NewBatch(schema)
		for _, row := range rows {
			if err := b.AppendRow(row...); err != nil {
				return nil, err
			}
		}
		blob, err := EncodeBatches(b)
		if err != nil {
			return nil, err
		}
		spec.Inline[i] = blob
	}
	return spec, nil
}
