package trainer

import (
	"time"

	"github.com/hupe1980/kgeflow/metrics"
)

// StepMetrics accumulates step timings and losses between log lines.
// It is owned by one worker and reset by value.
type StepMetrics struct {
	Steps    int
	Loss     float64
	Reg      float64
	Sample   time.Duration
	Forward  time.Duration
	Backward time.Duration
	Update   time.Duration
}

// Add folds one step into the totals.
func (m *StepMetrics) Add(s metrics.StepSample) {
	m.Steps++
	m.Loss += s.Loss
	m.Reg += s.Reg
	m.Sample += s.Sample
	m.Forward += s.Forward
	m.Backward += s.Backward
	m.Update += s.Update
}

// Mean returns the per-step averages. The zero value yields zeros.
func (m StepMetrics) Mean() metrics.StepSample {
	if m.Steps == 0 {
		return metrics.StepSample{}
	}
	n := float64(m.Steps)
	d := time.Duration(m.Steps)
	return metrics.StepSample{
		Loss:     m.Loss / n,
		Reg:      m.Reg / n,
		Sample:   m.Sample / d,
		Forward:  m.Forward / d,
		Backward: m.Backward / d,
		Update:   m.Update / d,
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
