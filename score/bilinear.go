package score

// DistMult scores with a diagonal bilinear form: sum(h * r * t).
type DistMult struct{}

// Name returns DistMult.
func (DistMult) Name() string { return "DistMult" }

// RelationDim returns dim.
func (DistMult) RelationDim(dim int) int { return dim }

// Score returns sum(h * r * t).
func (DistMult) Score(h, r, t []float32) float32 {
	var s float32
	for d := range h {
		s += h[d] * r[d] * t[d]
	}
	return s
}

// Backward adds the scaled score gradient.
func (DistMult) Backward(h, r, t []float32, g float32, dh, dr, dt []float32) {
	for d := range h {
		dh[d] += g * r[d] * t[d]
		dr[d] += g * h[d] * t[d]
		dt[d] += g * h[d] * r[d]
	}
}

// ComplEx scores with complex embeddings: Re(<h, r, conj(t)>).
// The first half of a row holds real parts, the second half imaginary parts.
type ComplEx struct{}

// Name returns ComplEx.
func (ComplEx) Name() string { return "ComplEx" }

// RelationDim returns dim.
func (ComplEx) RelationDim(dim int) int { return dim }

// Score returns Re(<h, r, conj(t)>).
func (ComplEx) Score(h, r, t []float32) float32 {
	half := len(h) / 2
	var s float32
	for d := 0; d < half; d++ {
		hr, hi := h[d], h[half+d]
		rr, ri := r[d], r[half+d]
		tr, ti := t[d], t[half+d]
		s += hr*rr*tr + hi*rr*ti + hr*ri*ti - hi*ri*tr
	}
	return s
}

// Backward adds the scaled score gradient.
func (ComplEx) Backward(h, r, t []float32, g float32, dh, dr, dt []float32) {
	half := len(h) / 2
	for d := 0; d < half; d++ {
		hr, hi := h[d], h[half+d]
		rr, ri := r[d], r[half+d]
		tr, ti := t[d], t[half+d]

		dh[d] += g * (rr*tr + ri*ti)
		dh[half+d] += g * (rr*ti - ri*tr)
		dr[d] += g * (hr*tr + hi*ti)
		dr[half+d] += g * (hr*ti - hi*tr)
		dt[d] += g * (hr*rr - hi*ri)
		dt[half+d] += g * (hi*rr + hr*ri)
	}
}
