package strata

import "fmt"

// OpKind enumerates the closed set of physical operators understood by the
// engine. Kernels for each kind are registered with the executor's kernel
// registry; new kinds require a kernel registration.
type OpKind int

const (
	// OpScan reads batches from a DataSource; always a leaf
	OpScan OpKind = iota
	// OpFilter drops rows failing a conjunction of predicates
	OpFilter
	// OpProject selects and renames columns
	OpProject
	// OpHashAggregate groups rows by key columns and folds aggregates
	OpHashAggregate
	// OpHashJoin inner-joins two co-partitioned inputs on equal key columns
	OpHashJoin
	// OpExchange redistributes rows across a declared number of partitions
	// by key hash; it terminates a stage
	OpExchange
	// OpShuffleRead reads the shuffle output of a dependency stage. It is
	// produced by the stage builder in place of consumed exchanges and is
	// never written directly into a plan.
	OpShuffleRead
)

// String returns the name of an OpKind
func (k OpKind) String() string {
	switch k {
	case OpScan:
		return "scan"
	case OpFilter:
		return "filter"
	case OpProject:
		return "project"
	case OpHashAggregate:
		return "hash_aggregate"
	case OpHashJoin:
		return "hash_join"
	case OpExchange:
		return "exchange"
	case OpShuffleRead:
		return "shuffle_read"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// CmpOp enumerates predicate comparison operators
type CmpOp string

const (
	// CmpEq tests equality
	CmpEq CmpOp = "eq"
	// CmpNe tests inequality
	CmpNe CmpOp = "ne"
	// CmpLt tests less-than
	CmpLt CmpOp = "lt"
	// CmpLe tests less-than-or-equal
	CmpLe CmpOp = "le"
	// CmpGt tests greater-than
	CmpGt CmpOp = "gt"
	// CmpGe tests greater-than-or-equal
	CmpGe CmpOp = "ge"
)

// Pred compares a column against a literal. Literal types follow the
// column's type; numeric literals are carried as float64 over the wire
// and coerced by the kernel.
type Pred struct {
	Col   string      `json:"col"`
	Cmp   CmpOp       `json:"cmp"`
	Value interface{} `json:"value"`
}

// ProjectCol names an input column and the name it takes in the output
type ProjectCol struct {
	Col string `json:"col"`
	As  string `json:"as,omitempty"`
}

// AggKind enumerates aggregate functions
type AggKind string

const (
	// AggSum sums a numeric column
	AggSum AggKind = "sum"
	// AggCount counts rows
	AggCount AggKind = "count"
	// AggMin takes the minimum of a column
	AggMin AggKind = "min"
	// AggMax takes the maximum of a column
	AggMax AggKind = "max"
)

// AggSpec is one aggregate computed by an OpHashAggregate
type AggSpec struct {
	Agg AggKind `json:"agg"`
	Col string  `json:"col,omitempty"` // ignored by AggCount
	As  string  `json:"as"`
}

// ExchangeSpec declares how an OpExchange redistributes rows: the number of
// output partitions and the key columns hashed to choose one.
type ExchangeSpec struct {
	Partitions int      `json:"partitions"`
	Keys       []string `json:"keys"`
}

// SourceSpec identifies the data read by an OpScan. Kind selects a
// registered source; Paths name one input file per natural partition for
// file-backed kinds; Inline carries encoded batches, one blob per
// partition, for the in-memory kind.
type SourceSpec struct {
	Kind       string   `json:"kind"`
	Schema     Schema   `json:"schema"`
	Partitions int      `json:"partitions"`
	Paths      []string `json:"paths,omitempty"`
	Inline     [][]byte `json:"inline,omitempty"`
	Delimiter  string   `json:"delimiter,omitempty"`
}

// Operator is one node of a physical plan: a closed tagged variant over
// OpKind. Only the fields relevant to Kind are populated.
type Operator struct {
	Kind     OpKind        `json:"kind"`
	Children []*Operator   `json:"children,omitempty"`
	Source   *SourceSpec   `json:"source,omitempty"`   // OpScan
	Preds    []Pred        `json:"preds,omitempty"`    // OpFilter
	Cols     []ProjectCol  `json:"cols,omitempty"`     // OpProject
	GroupBy  []string      `json:"group_by,omitempty"` // OpHashAggregate
	Aggs     []AggSpec     `json:"aggs,omitempty"`     // OpHashAggregate
	On       []string      `json:"on,omitempty"`       // OpHashJoin
	Exchange *ExchangeSpec `json:"exchange,omitempty"` // OpExchange
	Input    int           `json:"input,omitempty"`    // OpShuffleRead: dependency ordinal
	Bucket   bool          `json:"bucket,omitempty"`   // leaf ops: filter rows to the task's hash bucket
}

// Plan is a physical query plan: a tree of Operators rooted at the final
// output. Plans are built with the operations package and submitted to a
// scheduler, which cuts them into stages at every OpExchange.
type Plan struct {
	Root *Operator `json:"root"`
}
