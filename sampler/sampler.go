// Package sampler draws corrupted (negative) entities for positive triples.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/kgeflow/model"
)

// DefaultMaxRetries bounds rejection sampling per negative when filtering.
const DefaultMaxRetries = 10

var (
	// ErrInvalidK is returned when the number of negatives is not positive.
	ErrInvalidK = errors.New("number of negatives must be positive")
	// ErrNoEntities is returned when the entity table is empty.
	ErrNoEntities = errors.New("sampler needs at least one entity")
)

// Source supplies filter sets and degrees. *graph.Graph implements it.
type Source interface {
	FilterFor(mode model.CorruptionMode, anchor, relation uint32) *roaring.Bitmap
	Degree(t model.Triple) int
}

// Stats counts sampler outcomes since creation.
type Stats struct {
	// Drawn is the number of negatives returned.
	Drawn uint64
	// Rejected is the number of draws discarded because they were true facts.
	Rejected uint64
	// Exhausted is the number of negatives accepted after MaxRetries rejections.
	Exhausted uint64
}

// Sampler draws negatives uniformly or from an alias-table distribution.
// A Sampler is not safe for concurrent use; give each producer its own.
type Sampler struct {
	numEntities uint32
	source      Source
	maxRetries  int
	rng         *rand.Rand
	dist        *aliasTable
	stats       Stats
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSeed sets the RNG seed. Default is 1.
func WithSeed(seed int64) Option {
	return func(s *Sampler) {
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// WithMaxRetries sets the rejection bound per negative when filtering.
func WithMaxRetries(n int) Option {
	return func(s *Sampler) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithDistribution draws negatives proportional to weights^power instead of
// uniformly. len(weights) must equal the number of entities.
func WithDistribution(weights []float64, power float64) Option {
	return func(s *Sampler) {
		if len(weights) == int(s.numEntities) {
			s.dist = newAliasTable(weights, power)
		}
	}
}

// New creates a sampler over [0, numEntities). source may be nil when neither
// filtering nor weighting is used.
func New(numEntities uint32, source Source, opts ...Option) (*Sampler, error) {
	if numEntities == 0 {
		return nil, ErrNoEntities
	}
	s := &Sampler{
		numEntities: numEntities,
		source:      source,
		maxRetries:  DefaultMaxRetries,
		rng:         rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sampler) draw() uint32 {
	if s.dist != nil {
		return s.dist.sample(s.rng)
	}
	return uint32(s.rng.Int63n(int64(s.numEntities)))
}

// Sample draws k negatives per positive for the given mode. negs has
// len(pos)*k entries; negs[i*k:(i+1)*k] belong to pos[i].
//
// With useFilter, draws that form a true fact are rejected and redrawn up to
// the retry bound; past it the last draw is kept. With useWeights, weights[i]
// is 1/sqrt(degree(pos[i])), otherwise weights is nil.
func (s *Sampler) Sample(pos []model.Triple, mode model.CorruptionMode, k int, useFilter, useWeights bool) ([]uint32, []float32, error) {
	if !mode.Valid() {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrInvalidMode, mode)
	}
	if k <= 0 {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidK, k)
	}
	if (useFilter || useWeights) && s.source == nil {
		return nil, nil, errors.New("sampler: filtering and weighting need a source")
	}

	negs := make([]uint32, len(pos)*k)
	for i, t := range pos {
		var filter *roaring.Bitmap
		if useFilter {
			filter = s.source.FilterFor(mode, t.Anchor(mode), t.Relation)
		}
		out := negs[i*k : (i+1)*k]
		for j := range out {
			e := s.draw()
			if filter != nil {
				retries := 0
				for filter.Contains(e) {
					if retries >= s.maxRetries {
						s.stats.Exhausted++
						break
					}
					s.stats.Rejected++
					retries++
					e = s.draw()
				}
			}
			out[j] = e
		}
	}
	s.stats.Drawn += uint64(len(negs))

	var weights []float32
	if useWeights {
		weights = make([]float32, len(pos))
		for i, t := range pos {
			d := s.source.Degree(t)
			if d < 1 {
				d = 1
			}
			weights[i] = float32(1 / math.Sqrt(float64(d)))
		}
	}

	return negs, weights, nil
}

// Stats returns a snapshot of the sampler counters.
func (s *Sampler) Stats() Stats {
	return s.stats
}

// MaxRetries returns the configured rejection bound.
func (s *Sampler) MaxRetries() int {
	return s.maxRetries
}
