package score

import "math"

// Regularizer is Coef times the mean over rows of sum(|x|^Norm).
type Regularizer struct {
	Coef float32
	Norm int
}

// Enabled reports whether the regularizer contributes anything.
func (r Regularizer) Enabled() bool { return r.Coef != 0 }

func (r Regularizer) norm() float64 {
	if r.Norm <= 0 {
		return 2
	}
	return float64(r.Norm)
}

// Compute returns the penalty over rows.
func (r Regularizer) Compute(rows ...[]float32) float32 {
	if !r.Enabled() || len(rows) == 0 {
		return 0
	}
	p := r.norm()
	var sum float64
	for _, row := range rows {
		for _, x := range row {
			sum += math.Pow(math.Abs(float64(x)), p)
		}
	}
	return float32(float64(r.Coef) * sum / float64(len(rows)))
}

// Backward adds the penalty gradient of rows[i] to grads[i].
func (r Regularizer) Backward(rows, grads [][]float32) {
	if !r.Enabled() || len(rows) == 0 {
		return
	}
	p := r.norm()
	scale := float64(r.Coef) * p / float64(len(rows))
	for i, row := range rows {
		g := grads[i]
		for d, x := range row {
			ax := math.Abs(float64(x))
			v := scale * math.Pow(ax, p-1)
			if x < 0 {
				v = -v
			}
			g[d] += float32(v)
		}
	}
}
