package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kgeflow/model"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Adam")
	require.NoError(t, err)
	assert.Equal(t, KindAdam, k)

	k, err = ParseKind("ADAGRAD")
	require.NoError(t, err)
	assert.Equal(t, KindAdagrad, k)

	_, err = ParseKind("sgd")
	assert.ErrorIs(t, err, ErrUnsupported)

	sk, err := ParseSparseKind("SGD")
	require.NoError(t, err)
	assert.Equal(t, SparseSGD, sk)
	_, err = ParseSparseKind("adam")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNew(t *testing.T) {
	_, err := New(DefaultSpec(KindAdam, 0.1), nil)
	assert.ErrorIs(t, err, ErrNoParams)

	p := NewParam("relation", 2, 3)
	_, err = New(Spec{Kind: Kind(9)}, []*Param{p})
	assert.ErrorIs(t, err, ErrUnsupported)

	opt, err := New(DefaultSpec(KindAdagrad, 0.1), []*Param{p})
	require.NoError(t, err)
	assert.Equal(t, KindAdagrad, opt.Kind())
	assert.Len(t, opt.Params(), 1)
}

// minimize runs steps of opt on f(x) = sum((x - 3)^2).
func minimize(t *testing.T, spec Spec, steps int) []float32 {
	t.Helper()
	p := NewParam("x", 2)
	opt, err := New(spec, []*Param{p})
	require.NoError(t, err)

	for i := 0; i < steps; i++ {
		opt.ZeroGrad()
		for j, x := range p.Data {
			p.Grad[j] = 2 * (x - 3)
		}
		opt.Step()
	}
	return p.Data
}

func TestAdam_Converges(t *testing.T) {
	x := minimize(t, DefaultSpec(KindAdam, 0.1), 1000)
	for _, v := range x {
		assert.InDelta(t, 3, v, 5e-2)
	}
}

func TestAdagrad_Converges(t *testing.T) {
	x := minimize(t, DefaultSpec(KindAdagrad, 1), 500)
	for _, v := range x {
		assert.InDelta(t, 3, v, 1e-2)
	}
}

func TestAdam_FirstStep(t *testing.T) {
	// With bias correction the first step moves every coordinate by ~lr.
	p := NewParam("x", 3)
	copy(p.Grad, []float32{0.5, -2, 10})
	opt, err := New(DefaultSpec(KindAdam, 0.01), []*Param{p})
	require.NoError(t, err)
	opt.Step()
	assert.InDelta(t, -0.01, p.Data[0], 1e-6)
	assert.InDelta(t, 0.01, p.Data[1], 1e-6)
	assert.InDelta(t, -0.01, p.Data[2], 1e-6)

	opt.ZeroGrad()
	assert.Equal(t, []float32{0, 0, 0}, p.Grad)
}

func TestParam_Rows(t *testing.T) {
	p := NewParam("relation", 3, 2)
	copy(p.Row(1), []float32{4, 5})
	p.GradRow(2)[0] = 1
	assert.Equal(t, []float32{0, 0, 4, 5, 0, 0}, p.Data)
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 0}, p.Grad)
}

func TestSparse_Adagrad(t *testing.T) {
	s := NewSparse(SparseAdagrad, 0.5, 4)
	value := []float32{1, 1}
	s.Update(model.RowID(2), value, []float32{3, 4})

	// state = (9 + 16) / 2 = 12.5
	assert.InDelta(t, 12.5, s.Accumulator(2), 1e-6)
	scale := 0.5 / math.Sqrt(12.5)
	assert.InDelta(t, 1-scale*3, value[0], 1e-5)
	assert.InDelta(t, 1-scale*4, value[1], 1e-5)
	assert.Zero(t, s.Accumulator(1))

	s.Update(model.RowID(2), value, []float32{0, 0})
	assert.InDelta(t, 12.5, s.Accumulator(2), 1e-6)
}

func TestSparse_SGD(t *testing.T) {
	s := NewSparse(SparseSGD, 0.1, 4)
	value := []float32{1, 2}
	s.Update(0, value, []float32{1, -1})
	assert.InDelta(t, 0.9, value[0], 1e-6)
	assert.InDelta(t, 2.1, value[1], 1e-6)
	assert.Zero(t, s.Accumulator(0))
	assert.Equal(t, SparseSGD, s.Kind())
}
