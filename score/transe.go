package score

import "math"

// TransE models a relation as a translation: h + r ≈ t.
// Score is Gamma - ||h + r - t||, with the L1 or L2 norm.
type TransE struct {
	Gamma float32
	Norm  int
}

// Name returns TransE_l1 or TransE_l2.
func (m TransE) Name() string {
	if m.Norm == 1 {
		return "TransE_l1"
	}
	return "TransE_l2"
}

// RelationDim returns dim.
func (TransE) RelationDim(dim int) int { return dim }

// Score returns Gamma - ||h + r - t||.
func (m TransE) Score(h, r, t []float32) float32 {
	var dist float64
	if m.Norm == 1 {
		for d := range h {
			dist += math.Abs(float64(h[d] + r[d] - t[d]))
		}
	} else {
		for d := range h {
			diff := float64(h[d] + r[d] - t[d])
			dist += diff * diff
		}
		dist = math.Sqrt(dist)
	}
	return m.Gamma - float32(dist)
}

// Backward adds the scaled score gradient.
func (m TransE) Backward(h, r, t []float32, g float32, dh, dr, dt []float32) {
	if m.Norm == 1 {
		for d := range h {
			diff := h[d] + r[d] - t[d]
			var s float32
			switch {
			case diff > 0:
				s = 1
			case diff < 0:
				s = -1
			}
			// dScore/dh = -sign(diff)
			dh[d] -= g * s
			dr[d] -= g * s
			dt[d] += g * s
		}
		return
	}

	var sq float64
	for d := range h {
		diff := float64(h[d] + r[d] - t[d])
		sq += diff * diff
	}
	norm := math.Sqrt(sq)
	if norm < 1e-12 {
		return
	}
	scale := g / float32(norm)
	for d := range h {
		diff := (h[d] + r[d] - t[d]) * scale
		dh[d] -= diff
		dr[d] -= diff
		dt[d] += diff
	}
}
