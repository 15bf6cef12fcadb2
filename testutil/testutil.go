package testutil

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/model"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniformRange fills dst with random values in range [minVal, maxVal).
func (r *RNG) FillUniformRange(dst []float32, minVal, maxVal float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := maxVal - minVal
	for i := range dst {
		dst[i] = minVal + r.rand.Float32()*span
	}
}

// Vector returns a dim-sized vector with values in [-1, 1).
func (r *RNG) Vector(dim int) []float32 {
	v := make([]float32, dim)
	r.FillUniformRange(v, -1, 1)
	return v
}

// zipfLocked samples k in [0, n) with P(k) ∝ 1/(k+1)^s. Caller holds the lock.
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}
	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}
	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}
	return n - 1
}

// GraphSpec describes a synthetic knowledge graph.
type GraphSpec struct {
	Entities  int
	Relations int
	Train     int
	Valid     int
	Test      int
	// Skew > 0 draws entities from a Zipf distribution with this exponent.
	Skew float64
}

// Triples draws n distinct triples. Self loops are skipped.
func (r *RNG) Triples(spec GraphSpec, n int) []model.Triple {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity := func() uint32 {
		if spec.Skew > 0 {
			return uint32(r.zipfLocked(spec.Entities, spec.Skew))
		}
		return uint32(r.rand.Intn(spec.Entities))
	}

	maxDistinct := spec.Entities * (spec.Entities - 1) * spec.Relations
	if n > maxDistinct {
		n = maxDistinct
	}

	seen := make(map[model.Triple]struct{}, n)
	out := make([]model.Triple, 0, n)
	for len(out) < n {
		t := model.Triple{
			Head:     entity(),
			Relation: uint32(r.rand.Intn(spec.Relations)),
			Tail:     entity(),
		}
		if t.Head == t.Tail {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Graph builds a synthetic graph, failing the test on error.
// Splits are disjoint.
func Graph(tb testing.TB, r *RNG, spec GraphSpec) *graph.Graph {
	tb.Helper()

	all := r.Triples(spec, spec.Train+spec.Valid+spec.Test)
	train := all[:min(spec.Train, len(all))]
	rest := all[len(train):]
	valid := rest[:min(spec.Valid, len(rest))]
	test := rest[len(valid):]

	g, err := graph.New(uint32(spec.Entities), uint32(spec.Relations), train, valid, test)
	if err != nil {
		tb.Fatalf("testutil: build graph: %v", err)
	}
	return g
}
