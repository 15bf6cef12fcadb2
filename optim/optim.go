// Package optim holds the optimizers of a training run.
//
// Dense parameters (small tables kept fully in memory, averaged across
// workers) use Adam or Adagrad, selected once through a Spec. Rows of the
// out-of-core embedding tables are updated in place with a Sparse
// optimizer that keeps one accumulator per row.
package optim

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrUnsupported is returned for an unknown optimizer name.
	ErrUnsupported = errors.New("unsupported optimizer")

	// ErrNoParams is returned when a dense optimizer gets nothing to train.
	ErrNoParams = errors.New("no trainable dense parameters")
)

// Kind selects the dense optimizer.
type Kind uint8

const (
	KindAdam Kind = iota + 1
	KindAdagrad
)

// ParseKind parses "adam" or "adagrad", case-insensitively.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "adam":
		return KindAdam, nil
	case "adagrad":
		return KindAdagrad, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
}

func (k Kind) String() string {
	switch k {
	case KindAdam:
		return "Adam"
	case KindAdagrad:
		return "Adagrad"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// AdamParams configures Adam.
type AdamParams struct {
	LR          float32
	Beta1       float32
	Beta2       float32
	Epsilon     float32
	WeightDecay float32
}

// AdagradParams configures Adagrad.
type AdagradParams struct {
	LR                 float32
	Epsilon            float32
	InitialAccumulator float32
}

// Spec is the dense optimizer choice. Only the params of Kind are used.
type Spec struct {
	Kind    Kind
	Adam    AdamParams
	Adagrad AdagradParams
}

// DefaultSpec returns kind with common hyperparameters and learning rate lr.
func DefaultSpec(kind Kind, lr float32) Spec {
	return Spec{
		Kind:    kind,
		Adam:    AdamParams{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-10},
		Adagrad: AdagradParams{LR: lr, Epsilon: 1e-10},
	}
}

// Param is a dense trainable tensor with its gradient.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParam allocates a zeroed parameter of the given shape.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// Row returns row i of a 2-D parameter.
func (p *Param) Row(i int) []float32 {
	w := p.Shape[len(p.Shape)-1]
	return p.Data[i*w : (i+1)*w : (i+1)*w]
}

// GradRow returns the gradient of row i of a 2-D parameter.
func (p *Param) GradRow(i int) []float32 {
	w := p.Shape[len(p.Shape)-1]
	return p.Grad[i*w : (i+1)*w : (i+1)*w]
}

// Optimizer updates dense parameters from their gradients.
type Optimizer interface {
	Kind() Kind
	Params() []*Param
	// Step applies one update from the current gradients.
	Step()
	// ZeroGrad clears every gradient.
	ZeroGrad()
}

// New creates the optimizer described by spec over params.
func New(spec Spec, params []*Param) (Optimizer, error) {
	if len(params) == 0 {
		return nil, ErrNoParams
	}
	switch spec.Kind {
	case KindAdam:
		return newAdam(spec.Adam, params), nil
	case KindAdagrad:
		return newAdagrad(spec.Adagrad, params), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, spec.Kind)
	}
}

type base struct {
	params []*Param
}

func (b *base) Params() []*Param { return b.params }

func (b *base) ZeroGrad() {
	for _, p := range b.params {
		clear(p.Grad)
	}
}

// adam implements Adam with bias correction:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	x -= lr * (m/(1-b1^t)) / (sqrt(v/(1-b2^t)) + eps)
type adam struct {
	base
	p    AdamParams
	m, v [][]float32
	t    int
}

func newAdam(p AdamParams, params []*Param) *adam {
	a := &adam{base: base{params: params}, p: p}
	for _, prm := range params {
		a.m = append(a.m, make([]float32, len(prm.Data)))
		a.v = append(a.v, make([]float32, len(prm.Data)))
	}
	return a
}

func (a *adam) Kind() Kind { return KindAdam }

func (a *adam) Step() {
	a.t++
	b1, b2 := float64(a.p.Beta1), float64(a.p.Beta2)
	bias1 := 1 - math.Pow(b1, float64(a.t))
	bias2 := 1 - math.Pow(b2, float64(a.t))
	lr, eps, wd := float64(a.p.LR), float64(a.p.Epsilon), float64(a.p.WeightDecay)

	for i, prm := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g32 := range prm.Grad {
			g := float64(g32) + wd*float64(prm.Data[j])
			mj := b1*float64(m[j]) + (1-b1)*g
			vj := b2*float64(v[j]) + (1-b2)*g*g
			m[j], v[j] = float32(mj), float32(vj)
			prm.Data[j] -= float32(lr * (mj / bias1) / (math.Sqrt(vj/bias2) + eps))
		}
	}
}

// adagrad implements element-wise Adagrad:
//
//	s += g^2
//	x -= lr * g / (sqrt(s) + eps)
type adagrad struct {
	base
	p     AdagradParams
	state [][]float32
}

func newAdagrad(p AdagradParams, params []*Param) *adagrad {
	a := &adagrad{base: base{params: params}, p: p}
	for _, prm := range params {
		s := make([]float32, len(prm.Data))
		for j := range s {
			s[j] = p.InitialAccumulator
		}
		a.state = append(a.state, s)
	}
	return a
}

func (a *adagrad) Kind() Kind { return KindAdagrad }

func (a *adagrad) Step() {
	for i, prm := range a.params {
		s := a.state[i]
		for j, g := range prm.Grad {
			s[j] += g * g
			prm.Data[j] -= a.p.LR * g / (float32(math.Sqrt(float64(s[j]))) + a.p.Epsilon)
		}
	}
}
