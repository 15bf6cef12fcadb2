package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/kgeflow/model"
)

func TestTriples_Distinct(t *testing.T) {
	rng := NewRNG(4711)
	spec := GraphSpec{Entities: 20, Relations: 4}

	triples := rng.Triples(spec, 100)
	assert.Len(t, triples, 100)

	seen := make(map[model.Triple]bool)
	for _, tr := range triples {
		assert.False(t, seen[tr])
		seen[tr] = true
		assert.NotEqual(t, tr.Head, tr.Tail)
		assert.Less(t, tr.Head, uint32(20))
		assert.Less(t, tr.Relation, uint32(4))
	}
}

func TestTriples_Capped(t *testing.T) {
	rng := NewRNG(1)
	triples := rng.Triples(GraphSpec{Entities: 2, Relations: 1}, 10)
	assert.Len(t, triples, 2)
}

func TestGraph_Splits(t *testing.T) {
	rng := NewRNG(4711)
	g := Graph(t, rng, GraphSpec{Entities: 30, Relations: 3, Train: 50, Valid: 10, Test: 10, Skew: 1.1})

	assert.Len(t, g.Train(), 50)
	assert.Len(t, g.Valid(), 10)
	assert.Len(t, g.Test(), 10)
	assert.Equal(t, uint32(30), g.NumEntities())
}

func TestRNG_Deterministic(t *testing.T) {
	a := NewRNG(7).Vector(16)
	b := NewRNG(7).Vector(16)
	assert.Equal(t, a, b)
	for _, v := range a {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.Less(t, v, float32(1))
	}
}
