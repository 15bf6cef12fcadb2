package evaluate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kgeflow/backing"
	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/score"
	"github.com/hupe1980/kgeflow/testutil"
)

type storeTable struct {
	backing.Store
}

func (t storeTable) Lookup(id model.RowID, dst []float32) error { return t.Read(id, dst) }

// fromBacking reads rows straight from a backing store.
func fromBacking(s backing.Store) Table {
	return storeTable{s}
}

// lineSource gives entity i the 1-d embedding values[i] and every relation 1.
func lineSource(t *testing.T, values ...float32) Source {
	t.Helper()
	ents := backing.NewMemoryStore(len(values), 1)
	for i, v := range values {
		require.NoError(t, ents.Write(model.RowID(i), []float32{v}))
	}
	rels := backing.NewMemoryStore(1, 1)
	require.NoError(t, rels.Write(0, []float32{1}))
	return Source{Entities: fromBacking(ents), Relations: fromBacking(rels)}
}

func TestRun_RawRanks(t *testing.T) {
	src := lineSource(t, 0, 1, 2, 3, 4)
	m, err := score.New("distmult", 0)
	require.NoError(t, err)

	// Tail mode: 3 and 4 outscore the truth 2. Head mode: 2, 3 and 4 do.
	res, err := Run(context.Background(), src, m, []model.Triple{{Head: 1, Relation: 0, Tail: 2}}, nil, Options{DataMode: "test"})
	require.NoError(t, err)

	tail := res.Modes["tail"]
	assert.InDelta(t, 1.0/3, tail.MRR, 1e-9)
	assert.InDelta(t, 3, tail.MR, 1e-9)
	assert.Equal(t, 0.0, tail.Hits1)
	assert.Equal(t, 1.0, tail.Hits3)

	head := res.Modes["head"]
	assert.InDelta(t, 0.25, head.MRR, 1e-9)
	assert.InDelta(t, 4, head.MR, 1e-9)
	assert.Equal(t, 0.0, head.Hits3)
	assert.Equal(t, 1.0, head.Hits10)

	assert.InDelta(t, (1.0/3+0.25)/2, res.Average.MRR, 1e-9)
	assert.InDelta(t, 3.5, res.Average.MR, 1e-9)
	assert.InDelta(t, 0.5, res.Average.Hits3, 1e-9)
	assert.False(t, res.Filtered)
	assert.Equal(t, "test", res.DataMode)
	assert.Equal(t, "DistMult", res.Model)
}

func TestRun_FilteredRanks(t *testing.T) {
	src := lineSource(t, 0, 1, 2, 3, 4)
	m, err := score.New("distmult", 0)
	require.NoError(t, err)

	g, err := graph.New(5, 1, []model.Triple{{Head: 1, Relation: 0, Tail: 2}, {Head: 1, Relation: 0, Tail: 4}}, nil, nil)
	require.NoError(t, err)

	res, err := Run(context.Background(), src, m, []model.Triple{{Head: 1, Relation: 0, Tail: 2}}, g, Options{
		Modes: []model.CorruptionMode{model.ModeTail},
	})
	require.NoError(t, err)
	assert.True(t, res.Filtered)
	require.Len(t, res.Modes, 1)
	assert.InDelta(t, 0.5, res.Modes["tail"].MRR, 1e-9, "the known fact 4 is skipped")
	assert.Equal(t, res.Modes["tail"], res.Average)
}

func TestRun_TiesAreOptimistic(t *testing.T) {
	src := lineSource(t, 1, 1, 1, 1)
	m, err := score.New("distmult", 0)
	require.NoError(t, err)

	res, err := Run(context.Background(), src, m, []model.Triple{{Head: 0, Relation: 0, Tail: 1}}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Average.MRR)
	assert.Equal(t, 1.0, res.Average.Hits1)
}

func TestRun_Deterministic(t *testing.T) {
	rng := testutil.NewRNG(11)
	g := testutil.Graph(t, rng, testutil.GraphSpec{Entities: 40, Relations: 3, Train: 120, Test: 30})

	const dim = 8
	ents := backing.NewMemoryStore(40, dim)
	rels := backing.NewMemoryStore(3, dim)
	require.NoError(t, backing.Initialize(ents, 1, 0.5))
	require.NoError(t, backing.Initialize(rels, 2, 0.5))
	src := Source{Entities: fromBacking(ents), Relations: fromBacking(rels)}

	m, err := score.New("transe_l2", 12)
	require.NoError(t, err)

	first, err := Run(context.Background(), src, m, g.Test(), g, Options{Concurrency: 4, ChunkSize: 3})
	require.NoError(t, err)
	second, err := Run(context.Background(), src, m, g.Test(), g, Options{Concurrency: 1, ChunkSize: 100})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	blocked, err := Run(context.Background(), src, m, g.Test(), g, Options{Concurrency: 2, ChunkSize: 7, BlockSize: 3})
	require.NoError(t, err)
	assert.Equal(t, first, blocked, "ranks do not depend on the candidate block size")
	assert.Greater(t, first.Average.MRR, 0.0)
	assert.LessOrEqual(t, first.Average.MRR, 1.0)
}

// countingTable records the rows read through Lookup.
type countingTable struct {
	Table
	reads int
}

func (c *countingTable) Lookup(id model.RowID, dst []float32) error {
	c.reads++
	return c.Table.Lookup(id, dst)
}

func TestRun_StreamsEntityRows(t *testing.T) {
	src := lineSource(t, 0, 1, 2, 3, 4)
	ents := &countingTable{Table: src.Entities}
	src.Entities = ents
	m, err := score.New("distmult", 0)
	require.NoError(t, err)

	res, err := Run(context.Background(), src, m, []model.Triple{{Head: 1, Relation: 0, Tail: 2}}, nil, Options{
		Modes:     []model.CorruptionMode{model.ModeTail},
		BlockSize: 2,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, res.Average.MRR, 1e-9)
	// Head and tail of the query, then every candidate once.
	assert.Equal(t, 2+5, ents.reads)
}

func TestRun_Errors(t *testing.T) {
	src := lineSource(t, 0, 1)
	m, err := score.New("distmult", 0)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = Run(ctx, src, m, nil, nil, Options{})
	assert.ErrorIs(t, err, ErrNoTriples)

	_, err = Run(ctx, src, m, []model.Triple{{Head: 0, Relation: 0, Tail: 9}}, nil, Options{})
	assert.Error(t, err)

	_, err = Run(ctx, src, m, []model.Triple{{Head: 0, Relation: 0, Tail: 1}}, nil, Options{Modes: []model.CorruptionMode{7}})
	assert.ErrorIs(t, err, model.ErrInvalidMode)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Run(canceled, src, m, []model.Triple{{Head: 0, Relation: 0, Tail: 1}}, nil, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResult_WriteFile(t *testing.T) {
	src := lineSource(t, 0, 1, 2, 3, 4)
	m, err := score.New("distmult", 0)
	require.NoError(t, err)
	res, err := Run(context.Background(), src, m, []model.Triple{{Head: 1, Relation: 0, Tail: 2}}, nil, Options{DataMode: "valid"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "valid.json")
	require.NoError(t, res.WriteFile(path))

	got, err := ReadResult(path)
	require.NoError(t, err)
	assert.Equal(t, res, got)
}
