package optim

import (
	"fmt"
	"math"
	"strings"

	"github.com/hupe1980/kgeflow/model"
)

// SparseKind selects the row-wise optimizer for out-of-core tables.
type SparseKind uint8

const (
	SparseAdagrad SparseKind = iota + 1
	SparseSGD
)

// ParseSparseKind parses "adagrad" or "sgd", case-insensitively.
func ParseSparseKind(name string) (SparseKind, error) {
	switch strings.ToLower(name) {
	case "adagrad", "":
		return SparseAdagrad, nil
	case "sgd":
		return SparseSGD, nil
	default:
		return 0, fmt.Errorf("%w: sparse %q", ErrUnsupported, name)
	}
}

func (k SparseKind) String() string {
	switch k {
	case SparseAdagrad:
		return "Adagrad"
	case SparseSGD:
		return "SGD"
	default:
		return fmt.Sprintf("SparseKind(%d)", uint8(k))
	}
}

// Sparse updates single rows in place. Row-wise Adagrad keeps one
// accumulator per row: the running sum of the row's mean squared gradient.
//
// A Sparse is owned by one training worker and is not safe for concurrent use.
type Sparse struct {
	kind  SparseKind
	lr    float32
	eps   float32
	state []float32
}

// NewSparse creates a sparse optimizer for a table of rows rows.
func NewSparse(kind SparseKind, lr float32, rows int) *Sparse {
	s := &Sparse{kind: kind, lr: lr, eps: 1e-10}
	if kind == SparseAdagrad {
		s.state = make([]float32, rows)
	}
	return s
}

// Kind returns the update rule.
func (s *Sparse) Kind() SparseKind { return s.kind }

// Update applies grad to value, the current contents of row.
func (s *Sparse) Update(row model.RowID, value, grad []float32) {
	if s.kind == SparseSGD {
		for d, g := range grad {
			value[d] -= s.lr * g
		}
		return
	}

	var sq float32
	for _, g := range grad {
		sq += g * g
	}
	s.state[row] += sq / float32(len(grad))
	scale := s.lr / (float32(math.Sqrt(float64(s.state[row]))) + s.eps)
	for d, g := range grad {
		value[d] -= scale * g
	}
}

// Accumulator returns the Adagrad state of row.
func (s *Sparse) Accumulator(row model.RowID) float32 {
	if s.state == nil {
		return 0
	}
	return s.state[row]
}
