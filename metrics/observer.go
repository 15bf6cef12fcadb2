// Package metrics defines the training metrics surface and its built-in
// implementations: a no-op observer, an in-memory atomic observer and a
// Prometheus observer.
package metrics

import (
	"time"
)

// StepSample describes one training step.
type StepSample struct {
	Step     int
	Loss     float64
	Reg      float64
	Sample   time.Duration
	Forward  time.Duration
	Backward time.Duration
	Update   time.Duration
}

// EvalSample describes one evaluation pass.
type EvalSample struct {
	MRR    float64
	MR     float64
	Hits1  float64
	Hits3  float64
	Hits10 float64
}

// Observer receives training events.
// Implementations must be safe for concurrent use: the update worker and
// the training loop report from different goroutines.
type Observer interface {
	// OnStep is called after every completed step.
	OnStep(s StepSample)

	// OnPrefetch is called after a prefetch. writeBacks counts evicted
	// rows that had to be written back.
	OnPrefetch(table string, hits, misses, evictions, writeBacks int)

	// OnTraceApplied is called after a trace reached the backing store.
	OnTraceApplied(table string, rows int, d time.Duration, err error)

	// OnQueueDepth reports the number of traces waiting to be applied.
	OnQueueDepth(depth int)

	// OnCheckpoint is called after a checkpoint attempt.
	OnCheckpoint(step int, d time.Duration, err error)

	// OnEvaluation is called after an evaluation pass.
	OnEvaluation(split string, e EvalSample)
}

// NoopObserver is a no-op implementation of Observer.
type NoopObserver struct{}

func (NoopObserver) OnStep(StepSample)                                {}
func (NoopObserver) OnPrefetch(string, int, int, int, int)            {}
func (NoopObserver) OnTraceApplied(string, int, time.Duration, error) {}
func (NoopObserver) OnQueueDepth(int)                                 {}
func (NoopObserver) OnCheckpoint(int, time.Duration, error)           {}
func (NoopObserver) OnEvaluation(string, EvalSample)                  {}

var _ Observer = NoopObserver{}

// OrNoop returns o, or NoopObserver if o is nil.
func OrNoop(o Observer) Observer {
	if o == nil {
		return NoopObserver{}
	}
	return o
}
