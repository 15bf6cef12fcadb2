// Package dataloader turns a triple source into training and evaluation batches.
//
// A training loader runs one producer goroutine that shuffles the train split
// each epoch, draws negatives and alternates the corrupted side between
// batches. Batches reach the consumer through a bounded channel, so sampling
// runs ahead of the training step by at most Depth batches.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/sampler"
)

var (
	// ErrInvalidConfig is returned for a non-positive batch or negative size
	// or a partition outside [0, Partitions).
	ErrInvalidConfig = errors.New("invalid dataloader config")
	// ErrTooFewTriples is returned when a partition cannot fill one batch.
	ErrTooFewTriples = errors.New("too few triples for one batch")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("dataloader closed")
)

// Source supplies the train split.
type Source interface {
	Train() []model.Triple
}

// Batch is one step's worth of positives and negatives.
type Batch struct {
	Heads     []uint32
	Relations []uint32
	Tails     []uint32
	// Negatives has Len()*NegSize entries, row-major per positive.
	Negatives []uint32
	NegSize   int
	// Entities is the sorted set of heads, tails and negatives.
	Entities []uint32
	// RelationIDs is the sorted set of relations.
	RelationIDs []uint32
	Mode        model.CorruptionMode
	// Weights is nil unless sample weighting is on.
	Weights []float32
	Epoch   int
	Index   int
}

// Len returns the number of positives.
func (b *Batch) Len() int { return len(b.Heads) }

// Triple returns positive i.
func (b *Batch) Triple(i int) model.Triple {
	return model.Triple{Head: b.Heads[i], Relation: b.Relations[i], Tail: b.Tails[i]}
}

// Negs returns the negatives of positive i.
func (b *Batch) Negs(i int) []uint32 {
	return b.Negatives[i*b.NegSize : (i+1)*b.NegSize]
}

// TrainConfig configures a training loader.
type TrainConfig struct {
	BatchSize int
	NegSize   int
	// NumEpochs <= 0 repeats the split until Close.
	NumEpochs    int
	Seed         int64
	FilterSample bool
	SampleWeight bool
	// Depth is the number of batches buffered ahead. Default 2.
	Depth int
	// Partition selects triples i with i%Partitions == Partition.
	Partition  int
	Partitions int
	// Modes restricts the corrupted side. Empty alternates head and tail.
	Modes []model.CorruptionMode
}

func (c *TrainConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.NegSize <= 0 {
		return fmt.Errorf("%w: negative sample size %d", ErrInvalidConfig, c.NegSize)
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.Partition < 0 || c.Partition >= c.Partitions {
		return fmt.Errorf("%w: partition %d of %d", ErrInvalidConfig, c.Partition, c.Partitions)
	}
	if c.Depth <= 0 {
		c.Depth = 2
	}
	if len(c.Modes) == 0 {
		c.Modes = []model.CorruptionMode{model.ModeHead, model.ModeTail}
	}
	for _, m := range c.Modes {
		if !m.Valid() {
			return fmt.Errorf("%w: %v", model.ErrInvalidMode, m)
		}
	}
	return nil
}

type result struct {
	batch *Batch
	err   error
}

// Train produces training batches on a background goroutine.
type Train struct {
	cfg     TrainConfig
	triples []model.Triple
	sampler *sampler.Sampler

	out    chan result
	cancel context.CancelFunc
	done   chan struct{}

	statsMu sync.Mutex
	stats   sampler.Stats

	closed atomic.Bool
}

// NewTrain starts a loader over src's train split. The loader owns s; do not
// use it elsewhere while the loader runs.
func NewTrain(src Source, s *sampler.Sampler, cfg TrainConfig) (*Train, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	all := src.Train()
	triples := make([]model.Triple, 0, len(all)/cfg.Partitions+1)
	for i, t := range all {
		if i%cfg.Partitions == cfg.Partition {
			triples = append(triples, t)
		}
	}
	if len(triples) < cfg.BatchSize {
		return nil, fmt.Errorf("%w: %d triples, batch size %d", ErrTooFewTriples, len(triples), cfg.BatchSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Train{
		cfg:     cfg,
		triples: triples,
		sampler: s,
		out:     make(chan result, cfg.Depth),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.produce(ctx)
	return l, nil
}

// BatchesPerEpoch returns the number of full batches per epoch.
func (l *Train) BatchesPerEpoch() int {
	return len(l.triples) / l.cfg.BatchSize
}

// NumTriples returns the number of triples in this loader's partition.
func (l *Train) NumTriples() int { return len(l.triples) }

func (l *Train) produce(ctx context.Context) {
	defer close(l.done)
	defer close(l.out)

	rng := rand.New(rand.NewSource(l.cfg.Seed))
	order := make([]int, len(l.triples))
	for i := range order {
		order[i] = i
	}

	B := l.cfg.BatchSize
	modeIdx := 0
	for epoch := 0; l.cfg.NumEpochs <= 0 || epoch < l.cfg.NumEpochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		// The last incomplete batch is dropped.
		for idx, start := 0, 0; start+B <= len(order); idx, start = idx+1, start+B {
			mode := l.cfg.Modes[modeIdx%len(l.cfg.Modes)]
			modeIdx++

			b, err := l.build(order[start:start+B], mode)
			if err != nil {
				l.emit(ctx, result{err: err})
				return
			}
			b.Epoch, b.Index = epoch, idx
			if !l.emit(ctx, result{batch: b}) {
				return
			}
		}
	}
}

func (l *Train) emit(ctx context.Context, r result) bool {
	select {
	case l.out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Train) build(idx []int, mode model.CorruptionMode) (*Batch, error) {
	n := len(idx)
	pos := make([]model.Triple, n)
	b := &Batch{
		Heads:     make([]uint32, n),
		Relations: make([]uint32, n),
		Tails:     make([]uint32, n),
		NegSize:   l.cfg.NegSize,
		Mode:      mode,
	}
	for i, j := range idx {
		t := l.triples[j]
		pos[i] = t
		b.Heads[i], b.Relations[i], b.Tails[i] = t.Head, t.Relation, t.Tail
	}

	negs, weights, err := l.sampler.Sample(pos, mode, l.cfg.NegSize, l.cfg.FilterSample, l.cfg.SampleWeight)
	if err != nil {
		return nil, err
	}
	b.Negatives, b.Weights = negs, weights

	l.statsMu.Lock()
	l.stats = l.sampler.Stats()
	l.statsMu.Unlock()

	ents := roaring.New()
	ents.AddMany(b.Heads)
	ents.AddMany(b.Tails)
	ents.AddMany(negs)
	b.Entities = ents.ToArray()

	rels := roaring.New()
	rels.AddMany(b.Relations)
	b.RelationIDs = rels.ToArray()
	return b, nil
}

// Next returns the next batch, or io.EOF after the last epoch.
func (l *Train) Next(ctx context.Context) (*Batch, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case r, ok := <-l.out:
		if !ok {
			return nil, io.EOF
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SamplerStats returns the sampler counters as of the last produced batch.
func (l *Train) SamplerStats() sampler.Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// Close stops the producer and waits for it to exit.
func (l *Train) Close() error {
	l.closed.Store(true)
	l.cancel()
	<-l.done
	return nil
}

// Eval yields evaluation batches in split order.
type Eval struct {
	triples   []model.Triple
	batchSize int
	pos       int
}

// NewEval creates an evaluation loader. The last batch may be short.
func NewEval(triples []model.Triple, batchSize int) (*Eval, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size %d", ErrInvalidConfig, batchSize)
	}
	return &Eval{triples: triples, batchSize: batchSize}, nil
}

// Next returns the next batch, or io.EOF when the split is exhausted.
func (e *Eval) Next() ([]model.Triple, error) {
	if e.pos >= len(e.triples) {
		return nil, io.EOF
	}
	end := min(e.pos+e.batchSize, len(e.triples))
	b := e.triples[e.pos:end]
	e.pos = end
	return b, nil
}

// Reset rewinds to the first batch.
func (e *Eval) Reset() { e.pos = 0 }

// Len returns the number of batches.
func (e *Eval) Len() int {
	return (len(e.triples) + e.batchSize - 1) / e.batchSize
}
