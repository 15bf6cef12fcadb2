package dataloader

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/sampler"
	"github.com/hupe1980/kgeflow/testutil"
)

func newGraph(t *testing.T, train int) *graph.Graph {
	t.Helper()
	return testutil.Graph(t, testutil.NewRNG(7), testutil.GraphSpec{Entities: 20, Relations: 4, Train: train})
}

func newSampler(t *testing.T, g *graph.Graph) *sampler.Sampler {
	t.Helper()
	s, err := sampler.New(g.NumEntities(), g, sampler.WithSeed(3))
	require.NoError(t, err)
	return s
}

func drain(t *testing.T, l *Train) []*Batch {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []*Batch
	for {
		b, err := l.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func TestTrain_EpochsAndShape(t *testing.T) {
	g := newGraph(t, 105)
	l, err := NewTrain(g, newSampler(t, g), TrainConfig{BatchSize: 10, NegSize: 5, NumEpochs: 2, Seed: 1})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, 10, l.BatchesPerEpoch())
	batches := drain(t, l)
	require.Len(t, batches, 20, "the short batch is dropped")

	for i, b := range batches {
		assert.Equal(t, 10, b.Len())
		assert.Len(t, b.Negatives, 50)
		assert.Len(t, b.Negs(3), 5)
		assert.Nil(t, b.Weights)
		assert.Equal(t, i/10, b.Epoch)
		assert.Equal(t, i%10, b.Index)
		assert.True(t, slices.IsSorted(b.Entities))

		for j := 0; j < b.Len(); j++ {
			tr := b.Triple(j)
			assert.Contains(t, b.Entities, tr.Head)
			assert.Contains(t, b.Entities, tr.Tail)
			assert.Contains(t, b.RelationIDs, tr.Relation)
		}
		for _, e := range b.Negatives {
			assert.Contains(t, b.Entities, e)
		}
	}
}

func TestTrain_AlternatesModes(t *testing.T) {
	g := newGraph(t, 40)
	l, err := NewTrain(g, newSampler(t, g), TrainConfig{BatchSize: 10, NegSize: 2, NumEpochs: 1})
	require.NoError(t, err)
	defer l.Close()

	batches := drain(t, l)
	require.Len(t, batches, 4)
	for i, b := range batches {
		if i%2 == 0 {
			assert.Equal(t, model.ModeHead, b.Mode)
		} else {
			assert.Equal(t, model.ModeTail, b.Mode)
		}
	}
}

func TestTrain_SingleMode(t *testing.T) {
	g := newGraph(t, 30)
	l, err := NewTrain(g, newSampler(t, g), TrainConfig{
		BatchSize: 10, NegSize: 2, NumEpochs: 1,
		Modes: []model.CorruptionMode{model.ModeTail},
	})
	require.NoError(t, err)
	defer l.Close()

	for _, b := range drain(t, l) {
		assert.Equal(t, model.ModeTail, b.Mode)
	}
}

func TestTrain_EpochCoversSplitOnce(t *testing.T) {
	g := newGraph(t, 50)
	l, err := NewTrain(g, newSampler(t, g), TrainConfig{BatchSize: 10, NegSize: 1, NumEpochs: 1, Seed: 9})
	require.NoError(t, err)
	defer l.Close()

	seen := map[model.Triple]int{}
	for _, b := range drain(t, l) {
		for i := 0; i < b.Len(); i++ {
			seen[b.Triple(i)]++
		}
	}
	require.Len(t, seen, 50)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestTrain_Partitions(t *testing.T) {
	g := newGraph(t, 60)
	seen := map[model.Triple]int{}
	for p := 0; p < 3; p++ {
		l, err := NewTrain(g, newSampler(t, g), TrainConfig{
			BatchSize: 5, NegSize: 1, NumEpochs: 1, Partition: p, Partitions: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, 20, l.NumTriples())
		for _, b := range drain(t, l) {
			for i := 0; i < b.Len(); i++ {
				seen[b.Triple(i)]++
			}
		}
		require.NoError(t, l.Close())
	}
	assert.Len(t, seen, 60, "partitions are disjoint and complete")
}

func TestTrain_WeightsAndFilter(t *testing.T) {
	g := newGraph(t, 20)
	s := newSampler(t, g)
	l, err := NewTrain(g, s, TrainConfig{BatchSize: 10, NegSize: 4, NumEpochs: 1, FilterSample: true, SampleWeight: true})
	require.NoError(t, err)
	defer l.Close()

	batches := drain(t, l)
	require.NotEmpty(t, batches)
	for _, b := range batches {
		require.Len(t, b.Weights, b.Len())
		for _, w := range b.Weights {
			assert.Greater(t, w, float32(0))
			assert.LessOrEqual(t, w, float32(1))
		}
	}
	assert.Equal(t, uint64(2*10*4), l.SamplerStats().Drawn)
}

func TestTrain_CloseStopsInfiniteLoader(t *testing.T) {
	g := newGraph(t, 20)
	l, err := NewTrain(g, newSampler(t, g), TrainConfig{BatchSize: 10, NegSize: 1, Depth: 1})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := l.Next(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	_, err = l.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTrain_NextHonorsContext(t *testing.T) {
	g := newGraph(t, 20)
	l, err := NewTrain(g, newSampler(t, g), TrainConfig{BatchSize: 10, NegSize: 1, NumEpochs: 1})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A ready batch and a canceled context race in select; drain until the
	// context wins.
	for i := 0; i < 10; i++ {
		if _, err = l.Next(ctx); err != nil {
			break
		}
	}
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, io.EOF))
}

func TestTrain_InvalidConfig(t *testing.T) {
	g := newGraph(t, 20)
	s := newSampler(t, g)

	_, err := NewTrain(g, s, TrainConfig{BatchSize: 0, NegSize: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewTrain(g, s, TrainConfig{BatchSize: 1, NegSize: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewTrain(g, s, TrainConfig{BatchSize: 1, NegSize: 1, Partition: 2, Partitions: 2})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewTrain(g, s, TrainConfig{BatchSize: 1, NegSize: 1, Modes: []model.CorruptionMode{9}})
	assert.ErrorIs(t, err, model.ErrInvalidMode)
	_, err = NewTrain(g, s, TrainConfig{BatchSize: 21, NegSize: 1})
	assert.ErrorIs(t, err, ErrTooFewTriples)
}

func TestEval(t *testing.T) {
	triples := make([]model.Triple, 7)
	for i := range triples {
		triples[i] = model.Triple{Head: uint32(i), Relation: 0, Tail: uint32(i + 1)}
	}

	e, err := NewEval(triples, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Len())

	var sizes []int
	var got []model.Triple
	for {
		b, err := e.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(b))
		got = append(got, b...)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, triples, got)

	e.Reset()
	b, err := e.Next()
	require.NoError(t, err)
	assert.Equal(t, triples[:3], b)

	_, err = NewEval(triples, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
