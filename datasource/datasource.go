// Package datasource opens the leaf inputs of a plan. Sources are registered
// by kind; the built-in kinds cover in-memory batches and shared-filesystem
// JSONL and DSV files, partitioned naturally as one blob or file per
// partition.
package datasource

import (
	"fmt"
	"sync"

	"github.com/go-strata/strata"
)

// Built-in source kinds.
const (
	// KindMemory reads encoded batches carried inline in the spec.
	KindMemory = "memory"
	// KindJSONL reads JSON Lines files, one file per partition.
	KindJSONL = "jsonl"
	// KindDSV reads delimiter-separated files, one file per partition.
	KindDSV = "dsv"
)

// Opener opens one partition of a data source described by spec.
type Opener func(spec *strata.SourceSpec, partition int) (strata.Cursor, error)

var (
	sourcesMu sync.RWMutex
	sources   = make(map[string]Opener)
)

// RegisterSource binds an Opener to a source kind, replacing any previous
// binding. This is the extension point for source kinds beyond the built-in
// set.
func RegisterSource(kind string, open Opener) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	sources[kind] = open
}

// Open opens one partition of the source described by spec.
func Open(spec *strata.SourceSpec, partition int) (strata.Cursor, error) {
	if spec == nil {
		return nil, fmt.Errorf("scan carries no source spec")
	}
	if partition < 0 || partition >= spec.Partitions {
		return nil, fmt.Errorf("source partition %d out of range (%d partitions)", partition, spec.Partitions)
	}
	sourcesMu.RLock()
	open, ok := sources[spec.Kind]
	sourcesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no source registered for kind %q", spec.Kind)
	}
	return open(spec, partition)
}

func init() {
	RegisterSource(KindMemory, openMemory)
	RegisterSource(KindJSONL, openJSONL)
	RegisterSource(KindDSV, openDSV)
}
