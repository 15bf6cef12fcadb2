package score

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrUnknownLoss is returned by ParseLossKind for an unsupported name.
	ErrUnknownLoss = errors.New("unknown loss")

	// ErrShapeMismatch is returned when scores and weights do not line up.
	ErrShapeMismatch = errors.New("score shape mismatch")
)

// LossKind selects the per-score loss.
type LossKind uint8

const (
	// LogSigmoid is -log(sigmoid(y*s)).
	LogSigmoid LossKind = iota + 1
	// Hinge is max(0, margin - y*s).
	Hinge
)

// ParseLossKind parses a loss name, case-insensitively.
func ParseLossKind(s string) (LossKind, error) {
	switch strings.ToLower(s) {
	case "logsigmoid", "logistic", "softplus":
		return LogSigmoid, nil
	case "hinge":
		return Hinge, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownLoss, s)
	}
}

func (k LossKind) String() string {
	switch k {
	case LogSigmoid:
		return "LogSigmoid"
	case Hinge:
		return "Hinge"
	default:
		return fmt.Sprintf("LossKind(%d)", uint8(k))
	}
}

// Loss maps positive and negative scores to a scalar.
//
// Without Pairwise, each positive contributes the mean of its own loss
// (label +1) and the loss of its negatives (label -1). With Pairwise, the
// loss is taken over pos - neg for each pair. Negatives of one positive are
// averaged uniformly, or by softmax(Temperature * neg) when Adversarial is
// set; those weights are treated as constants.
type Loss struct {
	Kind        LossKind
	Pairwise    bool
	Margin      float32
	Adversarial bool
	Temperature float32
}

// Compute returns the loss and its gradient with respect to every score.
// neg holds k scores per positive, row-major. weights is nil or one weight
// per positive; the loss is their weighted mean.
func (l Loss) Compute(pos, neg []float32, k int, weights []float32) (loss float32, dPos, dNeg []float32, err error) {
	if k <= 0 || len(neg) != len(pos)*k {
		return 0, nil, nil, fmt.Errorf("%w: %d negative scores for %d positives x %d", ErrShapeMismatch, len(neg), len(pos), k)
	}
	if weights != nil && len(weights) != len(pos) {
		return 0, nil, nil, fmt.Errorf("%w: %d weights for %d positives", ErrShapeMismatch, len(weights), len(pos))
	}
	if len(pos) == 0 {
		return 0, nil, nil, nil
	}

	var wsum float64
	if weights == nil {
		wsum = float64(len(pos))
	} else {
		for _, w := range weights {
			wsum += float64(w)
		}
	}
	if wsum <= 0 {
		return 0, nil, nil, fmt.Errorf("%w: weights sum to %g", ErrShapeMismatch, wsum)
	}

	dPos = make([]float32, len(pos))
	dNeg = make([]float32, len(neg))
	attn := make([]float64, k)

	var total float64
	for i, p := range pos {
		w := 1.0
		if weights != nil {
			w = float64(weights[i])
		}
		scale := w / wsum
		row := neg[i*k : (i+1)*k]
		l.negWeights(row, attn)

		var li float64
		if l.Pairwise {
			for j, n := range row {
				f, df := l.elem(float64(p-n), 1)
				li += attn[j] * f
				dPos[i] += float32(scale * attn[j] * df)
				dNeg[i*k+j] = float32(-scale * attn[j] * df)
			}
		} else {
			fp, dfp := l.elem(float64(p), 1)
			li = 0.5 * fp
			dPos[i] = float32(scale * 0.5 * dfp)
			for j, n := range row {
				f, df := l.elem(float64(n), -1)
				li += 0.5 * attn[j] * f
				dNeg[i*k+j] = float32(scale * 0.5 * attn[j] * df)
			}
		}
		total += scale * li
	}

	return float32(total), dPos, dNeg, nil
}

func (l Loss) negWeights(row []float32, out []float64) {
	k := float64(len(row))
	if !l.Adversarial {
		for j := range out {
			out[j] = 1 / k
		}
		return
	}

	temp := float64(l.Temperature)
	if temp == 0 {
		temp = 1
	}
	maxv := math.Inf(-1)
	for _, n := range row {
		maxv = math.Max(maxv, temp*float64(n))
	}
	var sum float64
	for j, n := range row {
		out[j] = math.Exp(temp*float64(n) - maxv)
		sum += out[j]
	}
	for j := range out {
		out[j] /= sum
	}
}

// elem returns the loss of score s with label y and its derivative in s.
func (l Loss) elem(s, y float64) (float64, float64) {
	switch l.Kind {
	case Hinge:
		v := float64(l.Margin) - y*s
		if v <= 0 {
			return 0, 0
		}
		return v, -y
	default:
		x := -y * s
		return softplus(x), -y * sigmoid(x)
	}
}

func softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
