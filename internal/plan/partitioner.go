package plan

import (
	"errors"
	"fmt"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
)

// StageSpec is one stage of a partitioned plan: a subtree of narrow operators
// whose exchange children have been replaced by shuffle reads. A stage with a
// non-nil Exchange writes hash-partitioned shuffle output; the terminal stage
// of a graph may instead end narrow, in which case its tasks produce the job
// result partitions directly.
type StageSpec struct {
	ID            int                  `json:"id"`
	Ops           *strata.Operator     `json:"ops"`
	Deps          []int                `json:"deps,omitempty"`
	DepPartitions []int                `json:"dep_partitions,omitempty"`
	DepSchemas    []strata.Schema      `json:"dep_schemas,omitempty"`
	Partitions    int                  `json:"partitions"`
	Exchange      *strata.ExchangeSpec `json:"exchange,omitempty"`
	OutputSchema  strata.Schema        `json:"output_schema"`
}

// StageGraph is the stage DAG cut from a physical plan. Stages are ordered so
// every stage appears after its dependencies; the terminal stage produces the
// job result.
type StageGraph struct {
	Stages       []*StageSpec  `json:"stages"`
	Terminal     int           `json:"terminal"`
	ResultSchema strata.Schema `json:"result_schema"`
}

// NumTasks returns the total number of tasks the graph will run, one per
// stage output partition.
func (g *StageGraph) NumTasks() int {
	n := 0
	for _, s := range g.Stages {
		n += s.Partitions
	}
	return n
}

// BuildStages validates a plan and cuts it into a stage graph at exchange
// boundaries. Submitted operators are cloned, never mutated. Exchange
// operators never appear inside a stage's Ops; each becomes the boundary
// between a producing stage and a shuffle read in its consumer.
func BuildStages(p *strata.Plan) (*StageGraph, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	b := &builder{}
	var terminal *StageSpec
	if p.Root.Kind == strata.OpExchange {
		id, err := b.buildExchangeStage(p.Root)
		if err != nil {
			return nil, planErr(err)
		}
		terminal = b.stages[id]
	} else {
		acc := &depAccum{}
		ops, err := b.rewrite(p.Root, acc)
		if err != nil {
			return nil, planErr(err)
		}
		schema, err := DeriveSchema(ops, acc.schemas)
		if err != nil {
			return nil, planErr(err)
		}
		parts, err := b.narrowPartitions(ops, acc)
		if err != nil {
			return nil, planErr(err)
		}
		if parts > 1 {
			if err := b.checkNarrowJoins(ops, acc); err != nil {
				return nil, planErr(err)
			}
		}
		terminal = &StageSpec{
			ID:            len(b.stages),
			Ops:           ops,
			Deps:          acc.deps,
			DepPartitions: acc.parts,
			DepSchemas:    acc.schemas,
			Partitions:    parts,
			OutputSchema:  schema,
		}
		b.stages = append(b.stages, terminal)
	}
	return &StageGraph{Stages: b.stages, Terminal: terminal.ID, ResultSchema: terminal.OutputSchema}, nil
}

type builder struct {
	stages []*StageSpec
}

// depAccum collects the shuffle dependencies of the stage currently being
// cut, in the order its shuffle reads are numbered.
type depAccum struct {
	deps    []int
	parts   []int
	schemas []strata.Schema
}

// buildExchangeStage cuts the subtree below an exchange into a stage ending
// at that exchange and returns its ID.
func (b *builder) buildExchangeStage(ex *strata.Operator) (int, error) {
	acc := &depAccum{}
	ops, err := b.rewrite(ex.Children[0], acc)
	if err != nil {
		return 0, err
	}
	schema, err := DeriveSchema(ops, acc.schemas)
	if err != nil {
		return 0, err
	}
	if len(ex.Exchange.Keys) > 0 {
		if err := markBucketLeaves(ops, ex.Exchange.Keys, acc.schemas); err != nil {
			return 0, err
		}
	}
	id := len(b.stages)
	spec := *ex.Exchange
	b.stages = append(b.stages, &StageSpec{
		ID:            id,
		Ops:           ops,
		Deps:          acc.deps,
		DepPartitions: acc.parts,
		DepSchemas:    acc.schemas,
		Partitions:    spec.Partitions,
		Exchange:      &spec,
		OutputSchema:  schema,
	})
	return id, nil
}

// rewrite clones a subtree, replacing every exchange with a shuffle read
// whose dependency ordinal points at the stage cut from the exchange's own
// subtree.
func (b *builder) rewrite(op *strata.Operator, acc *depAccum) (*strata.Operator, error) {
	if op.Kind == strata.OpExchange {
		depID, err := b.buildExchangeStage(op)
		if err != nil {
			return nil, err
		}
		ord := len(acc.deps)
		dep := b.stages[depID]
		acc.deps = append(acc.deps, depID)
		acc.parts = append(acc.parts, dep.Partitions)
		acc.schemas = append(acc.schemas, dep.OutputSchema)
		return &strata.Operator{Kind: strata.OpShuffleRead, Input: ord}, nil
	}
	out := cloneNode(op)
	for i, child := range op.Children {
		rw, err := b.rewrite(child, acc)
		if err != nil {
			return nil, err
		}
		out.Children[i] = rw
	}
	return out, nil
}

func cloneNode(op *strata.Operator) *strata.Operator {
	out := *op
	out.Children = make([]*strata.Operator, len(op.Children))
	return &out
}

// narrowPartitions derives the partition count of a stage that does not end
// in an exchange: every leaf must agree on one count.
func (b *builder) narrowPartitions(ops *strata.Operator, acc *depAccum) (int, error) {
	parts := 0
	for _, leaf := range collectLeaves(ops) {
		var n int
		if leaf.Kind == strata.OpShuffleRead {
			n = acc.parts[leaf.Input]
		} else {
			n = leaf.Source.Partitions
		}
		if parts == 0 {
			parts = n
			continue
		}
		if n != parts {
			return 0, fmt.Errorf("stage inputs disagree on partition count (%d vs %d); repartition them to match", parts, n)
		}
	}
	if parts == 0 {
		return 0, fmt.Errorf("stage has no input leaves")
	}
	return parts, nil
}

// checkNarrowJoins rejects joins inside a stage whose tasks each read a
// single partition of every input: such a join is only sound when both sides
// were hash-partitioned on the join keys by their producing exchanges.
func (b *builder) checkNarrowJoins(ops *strata.Operator, acc *depAccum) error {
	if ops.Kind != strata.OpHashJoin {
		for _, child := range ops.Children {
			if err := b.checkNarrowJoins(child, acc); err != nil {
				return err
			}
		}
		return nil
	}
	on := make(map[string]bool, len(ops.On))
	for _, key := range ops.On {
		on[key] = true
	}
	var ref []string
	first := true
	for _, child := range ops.Children {
		if err := b.checkNarrowJoins(child, acc); err != nil {
			return err
		}
		for _, leaf := range collectLeaves(child) {
			if leaf.Kind != strata.OpShuffleRead {
				return fmt.Errorf("join inputs must be exchanged on the join keys before a final join; scans are not co-partitioned")
			}
			ex := b.stages[acc.deps[leaf.Input]].Exchange
			for _, key := range ex.Keys {
				if !on[key] {
					return fmt.Errorf("join input is partitioned on %q, which is not a join key", key)
				}
			}
			if first {
				ref = ex.Keys
				first = false
				continue
			}
			if !equalKeys(ref, ex.Keys) {
				return fmt.Errorf("join inputs are partitioned on different keys (%v vs %v)", ref, ex.Keys)
			}
		}
	}
	return nil
}

// markBucketLeaves marks the leaves at which an exchange's hash keys can be
// evaluated. A task of an exchange-terminal stage reads every partition of
// every input and keeps only the rows whose key hash lands in its own output
// partition; that filter is pushed down to each leaf where every key column
// arrives unchanged. At least one leaf must qualify or the partitioning
// cannot be computed anywhere.
func markBucketLeaves(ops *strata.Operator, keys []string, depSchemas []strata.Schema) error {
	resolved := make(map[*strata.Operator]int)
	for _, key := range keys {
		if err := traceKey(ops, key, depSchemas, resolved); err != nil {
			return err
		}
	}
	marked := false
	for _, leaf := range collectLeaves(ops) {
		if resolved[leaf] == len(keys) {
			leaf.Bucket = true
			marked = true
		}
	}
	if !marked {
		return fmt.Errorf("exchange keys %v must originate together from one input of their stage", keys)
	}
	return nil
}

// traceKey follows one hash key from the exchange boundary down to the
// leaves that supply its values, counting the leaves it reaches. Operators
// that rebind the key's name to a different value are rejected: hashing the
// leaf column would then partition on the wrong values.
func traceKey(op *strata.Operator, key string, depSchemas []strata.Schema, resolved map[*strata.Operator]int) error {
	switch op.Kind {
	case strata.OpScan:
		if op.Source.Schema.HasColumn(key) {
			resolved[op]++
		}
		return nil

	case strata.OpShuffleRead:
		if depSchemas[op.Input].HasColumn(key) {
			resolved[op]++
		}
		return nil

	case strata.OpFilter:
		return traceKey(op.Children[0], key, depSchemas, resolved)

	case strata.OpProject:
		for _, pc := range op.Cols {
			name := pc.As
			if name == "" {
				name = pc.Col
			}
			if name != key {
				continue
			}
			if pc.Col != key {
				return fmt.Errorf("exchange key %q is rebound by a projection inside its stage; repartition before renaming", key)
			}
			return traceKey(op.Children[0], key, depSchemas, resolved)
		}
		return nil

	case strata.OpHashAggregate:
		for _, name := range op.GroupBy {
			if name == key {
				return traceKey(op.Children[0], key, depSchemas, resolved)
			}
		}
		return fmt.Errorf("exchange key %q is produced by an aggregate; repartition on its group keys instead", key)

	case strata.OpHashJoin:
		for _, child := range op.Children {
			cs, err := DeriveSchema(child, depSchemas)
			if err != nil {
				return err
			}
			if !cs.HasColumn(key) {
				continue
			}
			if err := traceKey(child, key, depSchemas, resolved); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("cannot trace exchange key through operator %s", op.Kind)
	}
}

func collectLeaves(op *strata.Operator) []*strata.Operator {
	if op.Kind == strata.OpScan || op.Kind == strata.OpShuffleRead {
		return []*strata.Operator{op}
	}
	var leaves []*strata.Operator
	for _, child := range op.Children {
		leaves = append(leaves, collectLeaves(child)...)
	}
	return leaves
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ValidateGraph checks a stage graph for internal consistency: dependency
// references in range, partition counts matching producers, no cycles, and
// every stage reachable from the terminal stage.
func ValidateGraph(g *StageGraph) error {
	if g == nil || len(g.Stages) == 0 {
		return &serrors.InvalidPlanError{Reason: "stage graph has no stages"}
	}
	if g.Terminal < 0 || g.Terminal >= len(g.Stages) {
		return &serrors.InvalidPlanError{Reason: fmt.Sprintf("terminal stage %d out of range", g.Terminal)}
	}
	for i, s := range g.Stages {
		if s == nil || s.Ops == nil {
			return &serrors.InvalidPlanError{Reason: fmt.Sprintf("stage %d has no operators", i)}
		}
		if s.ID != i {
			return &serrors.InvalidPlanError{Reason: fmt.Sprintf("stage at index %d carries ID %d", i, s.ID)}
		}
		if s.Partitions < 1 {
			return &serrors.InvalidPlanError{Reason: fmt.Sprintf("stage %d declares %d partitions", i, s.Partitions)}
		}
		if len(s.Deps) != len(s.DepPartitions) {
			return &serrors.InvalidPlanError{Reason: fmt.Sprintf("stage %d declares %d deps but %d dep partition counts", i, len(s.Deps), len(s.DepPartitions))}
		}
		if s.Exchange == nil && i != g.Terminal {
			return &serrors.InvalidPlanError{Reason: fmt.Sprintf("non-terminal stage %d does not end in an exchange", i)}
		}
		for j, dep := range s.Deps {
			if dep < 0 || dep >= len(g.Stages) || dep == i {
				return &serrors.InvalidPlanError{Reason: fmt.Sprintf("stage %d depends on invalid stage %d", i, dep)}
			}
			if prod := g.Stages[dep]; prod != nil && s.DepPartitions[j] != prod.Partitions {
				return &serrors.InvalidPlanError{Reason: fmt.Sprintf("stage %d expects %d partitions from stage %d, which produces %d", i, s.DepPartitions[j], dep, prod.Partitions)}
			}
		}
	}

	// Kahn's ordering detects dependency cycles.
	indegree := make([]int, len(g.Stages))
	consumers := make([][]int, len(g.Stages))
	for _, s := range g.Stages {
		indegree[s.ID] = len(s.Deps)
		for _, dep := range s.Deps {
			consumers[dep] = append(consumers[dep], s.ID)
		}
	}
	queue := make([]int, 0, len(g.Stages))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	done := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		done++
		for _, c := range consumers[id] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if done != len(g.Stages) {
		return &serrors.InvalidPlanError{Reason: "stage graph contains a dependency cycle"}
	}

	// Every stage must feed the terminal stage.
	reach := make([]bool, len(g.Stages))
	frontier := []int{g.Terminal}
	reach[g.Terminal] = true
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, dep := range g.Stages[id].Deps {
			if !reach[dep] {
				reach[dep] = true
				frontier = append(frontier, dep)
			}
		}
	}
	for id, ok := range reach {
		if !ok {
			return &serrors.InvalidPlanError{Reason: fmt.Sprintf("stage %d does not feed the terminal stage", id)}
		}
	}
	return nil
}

func planErr(err error) error {
	var ipe *serrors.InvalidPlanError
	if errors.As(err, &ipe) {
		return err
	}
	return &serrors.InvalidPlanError{Reason: err.Error()}
}
