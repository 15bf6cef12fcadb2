package sampler

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/model"
)

// denseGraph gives (0, 0) the true tails 1..10 out of 20 entities.
func denseGraph(t *testing.T) *graph.Graph {
	t.Helper()
	var train []model.Triple
	for tail := uint32(1); tail <= 10; tail++ {
		train = append(train, model.Triple{Head: 0, Relation: 0, Tail: tail})
	}
	train = append(train, model.Triple{Head: 5, Relation: 1, Tail: 6})
	g, err := graph.New(20, 2, train, nil, nil)
	require.NoError(t, err)
	return g
}

func falseNegatives(g *graph.Graph, pos []model.Triple, mode model.CorruptionMode, negs []uint32, k int) int {
	n := 0
	for i, p := range pos {
		f := g.FilterFor(mode, p.Anchor(mode), p.Relation)
		for _, e := range negs[i*k : (i+1)*k] {
			if f != nil && f.Contains(e) {
				n++
			}
		}
	}
	return n
}

func TestSample_Shape(t *testing.T) {
	g := denseGraph(t)
	s, err := New(g.NumEntities(), g, WithSeed(42))
	require.NoError(t, err)

	pos := g.Train()[:4]
	negs, weights, err := s.Sample(pos, model.ModeTail, 5, false, false)
	require.NoError(t, err)
	assert.Len(t, negs, 20)
	assert.Nil(t, weights)
	for _, e := range negs {
		assert.Less(t, e, uint32(20))
	}
	assert.Equal(t, uint64(20), s.Stats().Drawn)
}

func TestSample_InvalidArguments(t *testing.T) {
	g := denseGraph(t)
	s, err := New(g.NumEntities(), g)
	require.NoError(t, err)

	_, _, err = s.Sample(g.Train(), model.CorruptionMode(9), 5, false, false)
	assert.ErrorIs(t, err, model.ErrInvalidMode)

	_, _, err = s.Sample(g.Train(), model.ModeHead, 0, false, false)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = New(0, nil)
	assert.ErrorIs(t, err, ErrNoEntities)

	noSource, err := New(10, nil)
	require.NoError(t, err)
	_, _, err = noSource.Sample(g.Train(), model.ModeHead, 1, true, false)
	assert.Error(t, err)
}

func TestSample_FilterReducesFalseNegatives(t *testing.T) {
	g := denseGraph(t)
	pos := make([]model.Triple, 50)
	for i := range pos {
		pos[i] = model.Triple{Head: 0, Relation: 0, Tail: 1}
	}

	unfiltered, err := New(g.NumEntities(), g, WithSeed(7))
	require.NoError(t, err)
	negs, _, err := unfiltered.Sample(pos, model.ModeTail, 10, false, false)
	require.NoError(t, err)
	before := falseNegatives(g, pos, model.ModeTail, negs, 10)

	filtered, err := New(g.NumEntities(), g, WithSeed(7))
	require.NoError(t, err)
	negs, _, err = filtered.Sample(pos, model.ModeTail, 10, true, false)
	require.NoError(t, err)
	after := falseNegatives(g, pos, model.ModeTail, negs, 10)

	assert.Greater(t, before, 0)
	assert.Less(t, after, before)
	assert.Greater(t, filtered.Stats().Rejected, uint64(0))
}

func TestSample_SmallFilterHasNoFalseNegatives(t *testing.T) {
	g := denseGraph(t)
	pos := []model.Triple{{Head: 5, Relation: 1, Tail: 6}}

	s, err := New(g.NumEntities(), g, WithSeed(3))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		negs, _, err := s.Sample(pos, model.ModeHead, 16, true, false)
		require.NoError(t, err)
		assert.Zero(t, falseNegatives(g, pos, model.ModeHead, negs, 16))
	}
	assert.Zero(t, s.Stats().Exhausted)
}

func TestSample_RetryBoundAcceptsLastDraw(t *testing.T) {
	// Every entity is a true tail of (0, 0); rejection can never succeed.
	train := []model.Triple{{Head: 0, Relation: 0, Tail: 0}, {Head: 0, Relation: 0, Tail: 1}}
	g, err := graph.New(2, 1, train, nil, nil)
	require.NoError(t, err)

	s, err := New(2, g, WithMaxRetries(3))
	require.NoError(t, err)
	negs, _, err := s.Sample(train[:1], model.ModeTail, 4, true, false)
	require.NoError(t, err)
	assert.Len(t, negs, 4)
	assert.Equal(t, uint64(4), s.Stats().Exhausted)
	assert.Equal(t, uint64(12), s.Stats().Rejected)
	assert.Equal(t, 3, s.MaxRetries())
}

func TestSample_Weights(t *testing.T) {
	g := denseGraph(t)
	s, err := New(g.NumEntities(), g)
	require.NoError(t, err)

	pos := []model.Triple{{Head: 0, Relation: 0, Tail: 1}, {Head: 5, Relation: 1, Tail: 6}}
	_, weights, err := s.Sample(pos, model.ModeHead, 2, false, true)
	require.NoError(t, err)
	require.Len(t, weights, 2)
	// (0,0,1): 10 tails + 1 head; (5,1,6): 1 + 1
	assert.InDelta(t, 1/math.Sqrt(11), weights[0], 1e-6)
	assert.InDelta(t, 1/math.Sqrt(2), weights[1], 1e-6)
}

func TestSample_Deterministic(t *testing.T) {
	g := denseGraph(t)
	a, _ := New(g.NumEntities(), g, WithSeed(11))
	b, _ := New(g.NumEntities(), g, WithSeed(11))
	na, _, err := a.Sample(g.Train(), model.ModeHead, 3, true, false)
	require.NoError(t, err)
	nb, _, err := b.Sample(g.Train(), model.ModeHead, 3, true, false)
	require.NoError(t, err)
	assert.Equal(t, na, nb)
}

func TestAliasTable_Distribution(t *testing.T) {
	table := newAliasTable([]float64{0, 1, 3}, 1)
	rng := rand.New(rand.NewSource(5))

	counts := make([]int, 3)
	const n = 40000
	for i := 0; i < n; i++ {
		counts[table.sample(rng)]++
	}
	assert.Zero(t, counts[0])
	assert.InDelta(t, 0.25, float64(counts[1])/n, 0.02)
	assert.InDelta(t, 0.75, float64(counts[2])/n, 0.02)

	uniform := newAliasTable([]float64{0, 0}, 1)
	assert.Equal(t, []float64{1, 1}, uniform.prob)
}

func TestWithDistribution(t *testing.T) {
	weights := make([]float64, 20)
	weights[3] = 1
	s, err := New(20, nil, WithDistribution(weights, 0.75))
	require.NoError(t, err)

	negs, _, err := s.Sample([]model.Triple{{Head: 0, Relation: 0, Tail: 1}}, model.ModeTail, 8, false, false)
	require.NoError(t, err)
	for _, e := range negs {
		assert.Equal(t, uint32(3), e)
	}
}
