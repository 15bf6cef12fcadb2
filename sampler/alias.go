package sampler

import (
	"math"
	"math/rand"
)

// aliasTable supports O(1) draws from a discrete distribution (Vose's method).
type aliasTable struct {
	prob  []float64
	alias []uint32
}

// newAliasTable builds a table for weights raised to power.
// All-zero weights yield the uniform distribution.
func newAliasTable(weights []float64, power float64) *aliasTable {
	n := len(weights)
	t := &aliasTable{
		prob:  make([]float64, n),
		alias: make([]uint32, n),
	}
	if n == 0 {
		return t
	}

	norm := make([]float64, n)
	sum := 0.0
	for i, w := range weights {
		if w > 0 {
			norm[i] = math.Pow(w, power)
		}
		sum += norm[i]
	}

	if sum == 0 {
		for i := range t.prob {
			t.prob[i] = 1
			t.alias[i] = uint32(i)
		}
		return t
	}

	for i := range norm {
		norm[i] = norm[i] * float64(n) / sum
	}

	small := make([]int, 0, n)
	large := make([]int, 0, n)
	for i, p := range norm {
		if p < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	for len(small) > 0 && len(large) > 0 {
		l := small[len(small)-1]
		small = small[:len(small)-1]
		g := large[len(large)-1]
		large = large[:len(large)-1]

		t.prob[l] = norm[l]
		t.alias[l] = uint32(g)

		norm[g] += norm[l] - 1
		if norm[g] < 1 {
			small = append(small, g)
		} else {
			large = append(large, g)
		}
	}

	// Leftovers are numerically ~1.
	for _, g := range large {
		t.prob[g] = 1
		t.alias[g] = uint32(g)
	}
	for _, l := range small {
		t.prob[l] = 1
		t.alias[l] = uint32(l)
	}
	return t
}

func (t *aliasTable) sample(rng *rand.Rand) uint32 {
	i := rng.Intn(len(t.prob))
	if rng.Float64() < t.prob[i] {
		return uint32(i)
	}
	return t.alias[i]
}
