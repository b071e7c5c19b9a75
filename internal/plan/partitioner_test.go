package plan

import (
	"errors"
	"testing"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/operations"
	"github.com/stretchr/testify/require"
)

func ordersSource(partitions int) *strata.SourceSpec {
	return &strata.SourceSpec{
		Kind: "memory",
		Schema: strata.NewSchema(
			strata.Column{Name: "region", Type: strata.StringType},
			strata.Column{Name: "amount", Type: strata.Int64Type},
		),
		Partitions: partitions,
	}
}

func regionsSource(partitions int) *strata.SourceSpec {
	return &strata.SourceSpec{
		Kind: "memory",
		Schema: strata.NewSchema(
			strata.Column{Name: "region", Type: strata.StringType},
			strata.Column{Name: "population", Type: strata.Int64Type},
		),
		Partitions: partitions,
	}
}

func TestBuildStagesSingleStage(t *testing.T) {
	p := operations.NewPlan(
		operations.Filter(
			operations.Scan(ordersSource(4)),
			operations.Where("amount", strata.CmpGt, int64(100)),
		),
	)
	g, err := BuildStages(p)
	require.Nil(t, err)
	require.Equal(t, 1, len(g.Stages))
	require.Equal(t, 0, g.Terminal)

	s := g.Stages[0]
	require.Nil(t, s.Exchange)
	require.Equal(t, 4, s.Partitions)
	require.Equal(t, 0, len(s.Deps))
	require.Equal(t, strata.OpFilter, s.Ops.Kind)
	require.Equal(t, strata.OpScan, s.Ops.Children[0].Kind)
	require.False(t, s.Ops.Children[0].Bucket)
	require.True(t, g.ResultSchema.HasColumn("amount"))
	require.Equal(t, 4, g.NumTasks())
}

func TestBuildStagesAggregate(t *testing.T) {
	p := operations.NewPlan(
		operations.Aggregate(
			operations.Exchange(
				operations.Filter(
					operations.Scan(ordersSource(4)),
					operations.Where("amount", strata.CmpGt, int64(0)),
				),
				2, "region",
			),
			[]string{"region"},
			operations.Sum("amount", "total"),
		),
	)
	g, err := BuildStages(p)
	require.Nil(t, err)
	require.Equal(t, 2, len(g.Stages))
	require.Equal(t, 1, g.Terminal)
	require.Equal(t, 6, g.NumTasks())

	producer := g.Stages[0]
	require.NotNil(t, producer.Exchange)
	require.Equal(t, 2, producer.Partitions)
	require.Equal(t, []string{"region"}, producer.Exchange.Keys)
	require.Equal(t, strata.OpFilter, producer.Ops.Kind)
	scan := producer.Ops.Children[0]
	require.Equal(t, strata.OpScan, scan.Kind)
	require.True(t, scan.Bucket)

	terminal := g.Stages[1]
	require.Nil(t, terminal.Exchange)
	require.Equal(t, 2, terminal.Partitions)
	require.Equal(t, []int{0}, terminal.Deps)
	require.Equal(t, []int{2}, terminal.DepPartitions)
	require.Equal(t, 1, len(terminal.DepSchemas))
	require.True(t, terminal.DepSchemas[0].HasColumn("region"))
	require.Equal(t, strata.OpHashAggregate, terminal.Ops.Kind)
	read := terminal.Ops.Children[0]
	require.Equal(t, strata.OpShuffleRead, read.Kind)
	require.Equal(t, 0, read.Input)
	require.False(t, read.Bucket)

	require.True(t, g.ResultSchema.HasColumn("region"))
	require.True(t, g.ResultSchema.HasColumn("total"))
}

func TestBuildStagesDoesNotMutateSubmittedPlan(t *testing.T) {
	scan := operations.Scan(ordersSource(4))
	p := operations.NewPlan(operations.Exchange(scan, 2, "region"))
	_, err := BuildStages(p)
	require.Nil(t, err)
	require.False(t, scan.Bucket)
}

func TestBuildStagesJoin(t *testing.T) {
	p := operations.NewPlan(
		operations.Join(
			operations.Exchange(operations.Scan(ordersSource(4)), 3, "region"),
			operations.Exchange(operations.Scan(regionsSource(2)), 3, "region"),
			"region",
		),
	)
	g, err := BuildStages(p)
	require.Nil(t, err)
	require.Equal(t, 3, len(g.Stages))
	require.Equal(t, 2, g.Terminal)

	terminal := g.Stages[2]
	require.Equal(t, []int{0, 1}, terminal.Deps)
	require.Equal(t, []int{3, 3}, terminal.DepPartitions)
	require.Equal(t, 3, terminal.Partitions)
	require.True(t, g.ResultSchema.HasColumn("amount"))
	require.True(t, g.ResultSchema.HasColumn("population"))
}

func TestBuildStagesJoinPartitionCountMismatch(t *testing.T) {
	p := operations.NewPlan(
		operations.Join(
			operations.Exchange(operations.Scan(ordersSource(4)), 3, "region"),
			operations.Exchange(operations.Scan(regionsSource(2)), 2, "region"),
			"region",
		),
	)
	_, err := BuildStages(p)
	requireInvalidPlan(t, err, "disagree on partition count")
}

func TestBuildStagesJoinKeyMismatch(t *testing.T) {
	p := operations.NewPlan(
		operations.Join(
			operations.Exchange(operations.Scan(ordersSource(4)), 3, "region"),
			operations.Exchange(operations.Scan(regionsSource(2)), 3, "population"),
			"region",
		),
	)
	_, err := BuildStages(p)
	requireInvalidPlan(t, err, "not a join key")
}

func TestBuildStagesJoinOverScans(t *testing.T) {
	p := operations.NewPlan(
		operations.Join(
			operations.Scan(ordersSource(2)),
			operations.Scan(regionsSource(2)),
			"region",
		),
	)
	_, err := BuildStages(p)
	requireInvalidPlan(t, err, "not co-partitioned")
}

func TestBuildStagesJoinUnderExchange(t *testing.T) {
	// A join below an exchange runs in read-everything mode, so the scans
	// need no co-partitioning; the bucket filter lands on the leaves that
	// carry the exchange key.
	p := operations.NewPlan(
		operations.Exchange(
			operations.Join(
				operations.Scan(ordersSource(4)),
				operations.Scan(regionsSource(2)),
				"region",
			),
			2, "region",
		),
	)
	g, err := BuildStages(p)
	require.Nil(t, err)
	require.Equal(t, 1, len(g.Stages))

	s := g.Stages[0]
	require.NotNil(t, s.Exchange)
	require.Equal(t, 2, s.Partitions)
	join := s.Ops
	require.Equal(t, strata.OpHashJoin, join.Kind)
	require.True(t, join.Children[0].Bucket)
	require.True(t, join.Children[1].Bucket)
}

func TestBuildStagesRepartition(t *testing.T) {
	p := operations.NewPlan(
		operations.Exchange(
			operations.Exchange(operations.Scan(ordersSource(4)), 2, "region"),
			8, "region",
		),
	)
	g, err := BuildStages(p)
	require.Nil(t, err)
	require.Equal(t, 2, len(g.Stages))

	inner := g.Stages[0]
	require.Equal(t, 2, inner.Partitions)
	outer := g.Stages[1]
	require.Equal(t, 8, outer.Partitions)
	require.Equal(t, []int{0}, outer.Deps)
	require.Equal(t, strata.OpShuffleRead, outer.Ops.Kind)
	require.True(t, outer.Ops.Bucket)
}

func TestBuildStagesGlobalAggregate(t *testing.T) {
	// An exchange into one partition needs no hash keys and no bucketing.
	p := operations.NewPlan(
		operations.Aggregate(
			operations.Exchange(operations.Scan(ordersSource(4)), 1),
			nil,
			operations.Count("rows"),
		),
	)
	g, err := BuildStages(p)
	require.Nil(t, err)
	require.Equal(t, 2, len(g.Stages))
	require.Equal(t, 1, g.Stages[0].Partitions)
	require.False(t, g.Stages[0].Ops.Bucket)
	require.Equal(t, 1, g.Stages[1].Partitions)
}

func TestBuildStagesRejectsReboundExchangeKey(t *testing.T) {
	p := operations.NewPlan(
		operations.Exchange(
			operations.Project(
				operations.Scan(ordersSource(4)),
				operations.ColAs("amount", "region"),
			),
			2, "region",
		),
	)
	_, err := BuildStages(p)
	requireInvalidPlan(t, err, "rebound by a projection")
}

func TestBuildStagesRejectsAggregateProducedKey(t *testing.T) {
	p := operations.NewPlan(
		operations.Exchange(
			operations.Aggregate(
				operations.Scan(ordersSource(4)),
				[]string{"region"},
				operations.Sum("amount", "total"),
			),
			2, "total",
		),
	)
	_, err := BuildStages(p)
	requireInvalidPlan(t, err, "produced by an aggregate")
}

func TestBuildStagesRejectsKeysSplitAcrossJoinInputs(t *testing.T) {
	p := operations.NewPlan(
		operations.Exchange(
			operations.Join(
				operations.Scan(ordersSource(2)),
				operations.Scan(regionsSource(2)),
				"region",
			),
			4, "amount", "population",
		),
	)
	_, err := BuildStages(p)
	requireInvalidPlan(t, err, "must originate together")
}

func TestValidateRejections(t *testing.T) {
	scan := operations.Scan(ordersSource(2))

	for name, tc := range map[string]struct {
		plan   *strata.Plan
		reason string
	}{
		"nil root":            {&strata.Plan{}, "no root operator"},
		"shared operator":     {operations.NewPlan(operations.Join(scan, scan, "region")), "more than once"},
		"shuffle read leaf":   {operations.NewPlan(&strata.Operator{Kind: strata.OpShuffleRead}), "cannot appear in submitted plans"},
		"exchange without keys": {
			operations.NewPlan(operations.Exchange(operations.Scan(ordersSource(2)), 4)),
			"requires hash keys",
		},
		"zero partitions": {
			operations.NewPlan(operations.Exchange(operations.Scan(ordersSource(2)), 0)),
			"0 output partitions",
		},
		"unknown filter column": {
			operations.NewPlan(operations.Filter(operations.Scan(ordersSource(2)), operations.Where("missing", strata.CmpEq, int64(1)))),
			`unknown column "missing"`,
		},
		"missing source": {
			operations.NewPlan(&strata.Operator{Kind: strata.OpScan}),
			"no source",
		},
		"bad path count": {
			operations.NewPlan(operations.Scan(&strata.SourceSpec{
				Kind:       "jsonl",
				Schema:     ordersSource(1).Schema,
				Partitions: 2,
				Paths:      []string{"only-one.jsonl"},
			})),
			"2 partitions but 1 paths",
		},
		"join key type mismatch": {
			operations.NewPlan(operations.Join(
				operations.Scan(ordersSource(2)),
				operations.Scan(&strata.SourceSpec{
					Kind: "memory",
					Schema: strata.NewSchema(
						strata.Column{Name: "region", Type: strata.Int64Type},
					),
					Partitions: 2,
				}),
				"region",
			)),
			"mismatched types",
		},
		"ambiguous join output": {
			operations.NewPlan(operations.Join(
				operations.Scan(ordersSource(2)),
				operations.Scan(&strata.SourceSpec{
					Kind: "memory",
					Schema: strata.NewSchema(
						strata.Column{Name: "region", Type: strata.StringType},
						strata.Column{Name: "amount", Type: strata.Int64Type},
					),
					Partitions: 2,
				}),
				"region",
			)),
			"ambiguous",
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := Validate(tc.plan)
			requireInvalidPlan(t, err, tc.reason)
		})
	}
}

func TestValidateGraph(t *testing.T) {
	p := operations.NewPlan(
		operations.Aggregate(
			operations.Exchange(operations.Scan(ordersSource(4)), 2, "region"),
			[]string{"region"},
			operations.Count("rows"),
		),
	)
	g, err := BuildStages(p)
	require.Nil(t, err)
	require.Nil(t, ValidateGraph(g))

	t.Run("dep partition mismatch", func(t *testing.T) {
		broken, err := BuildStages(p)
		require.Nil(t, err)
		broken.Stages[1].DepPartitions[0] = 7
		requireInvalidPlan(t, ValidateGraph(broken), "expects 7 partitions")
	})

	t.Run("cycle", func(t *testing.T) {
		broken, err := BuildStages(p)
		require.Nil(t, err)
		broken.Stages[0].Deps = []int{1}
		broken.Stages[0].DepPartitions = []int{2}
		requireInvalidPlan(t, ValidateGraph(broken), "cycle")
	})

	t.Run("unreachable stage", func(t *testing.T) {
		broken, err := BuildStages(p)
		require.Nil(t, err)
		broken.Stages[1].Deps = nil
		broken.Stages[1].DepPartitions = nil
		requireInvalidPlan(t, ValidateGraph(broken), "does not feed the terminal")
	})

	t.Run("narrow non-terminal stage", func(t *testing.T) {
		broken, err := BuildStages(p)
		require.Nil(t, err)
		broken.Stages[0].Exchange = nil
		requireInvalidPlan(t, ValidateGraph(broken), "does not end in an exchange")
	})
}

func requireInvalidPlan(t *testing.T, err error, substr string) {
	t.Helper()
	require.NotNil(t, err)
	var ipe *serrors.InvalidPlanError
	require.True(t, errors.As(err, &ipe), "expected InvalidPlanError, got %T: %v", err, err)
	require.Contains(t, err.Error(), substr)
}
