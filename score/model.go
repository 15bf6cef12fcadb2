// Package score implements the knowledge-graph scoring models, the training
// losses over their scores and the embedding regularizer.
//
// A higher score means a more plausible triple for every model. Backward
// accumulates the gradient of a scaled score into caller-provided buffers,
// so a training step can sum contributions from several triples sharing
// a row.
package score

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel is returned by New for an unsupported model name.
var ErrUnknownModel = errors.New("unknown score model")

// Model scores (head, relation, tail) embeddings.
type Model interface {
	// Name returns the canonical model name.
	Name() string

	// Score returns the plausibility of h + r -> t.
	Score(h, r, t []float32) float32

	// Backward adds g * dScore/dx to dx for x in h, r, t.
	Backward(h, r, t []float32, g float32, dh, dr, dt []float32)

	// RelationDim returns the relation row width for entity width dim.
	RelationDim(dim int) int
}

// New returns the model called name. gamma is the margin used by the
// distance-based models.
func New(name string, gamma float32) (Model, error) {
	switch strings.ToLower(name) {
	case "transe", "transe_l2":
		return TransE{Gamma: gamma, Norm: 2}, nil
	case "transe_l1":
		return TransE{Gamma: gamma, Norm: 1}, nil
	case "distmult":
		return DistMult{}, nil
	case "complex":
		return ComplEx{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
}

// ValidateDim reports whether m can use entity rows of width dim.
func ValidateDim(m Model, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%s: dimension must be positive, got %d", m.Name(), dim)
	}
	if _, ok := m.(ComplEx); ok && dim%2 != 0 {
		return fmt.Errorf("%s: dimension must be even, got %d", m.Name(), dim)
	}
	return nil
}
