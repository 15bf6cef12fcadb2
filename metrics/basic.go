package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Basic provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type Basic struct {
	StepCount        atomic.Int64
	StepTotalNanos   atomic.Int64
	LossBits         atomic.Uint64
	PrefetchHits     atomic.Int64
	PrefetchMisses   atomic.Int64
	Evictions        atomic.Int64
	WriteBacks       atomic.Int64
	TracesApplied    atomic.Int64
	TraceRowsApplied atomic.Int64
	TraceErrors      atomic.Int64
	TraceTotalNanos  atomic.Int64
	QueueDepth       atomic.Int64
	MaxQueueDepth    atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
	LastCheckpoint   atomic.Int64
	EvaluationCount  atomic.Int64

	mu        sync.Mutex
	lastEvals map[string]EvalSample
}

var _ Observer = (*Basic)(nil)

// NewBasic returns an empty Basic observer.
func NewBasic() *Basic {
	return &Basic{lastEvals: make(map[string]EvalSample)}
}

// OnStep implements Observer.
func (b *Basic) OnStep(s StepSample) {
	b.StepCount.Add(1)
	b.StepTotalNanos.Add((s.Sample + s.Forward + s.Backward + s.Update).Nanoseconds())
	b.LossBits.Store(math.Float64bits(s.Loss))
}

// OnPrefetch implements Observer.
func (b *Basic) OnPrefetch(_ string, hits, misses, evictions, writeBacks int) {
	b.PrefetchHits.Add(int64(hits))
	b.PrefetchMisses.Add(int64(misses))
	b.Evictions.Add(int64(evictions))
	b.WriteBacks.Add(int64(writeBacks))
}

// OnTraceApplied implements Observer.
func (b *Basic) OnTraceApplied(_ string, rows int, d time.Duration, err error) {
	b.TracesApplied.Add(1)
	b.TraceTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.TraceErrors.Add(1)
		return
	}
	b.TraceRowsApplied.Add(int64(rows))
}

// OnQueueDepth implements Observer.
func (b *Basic) OnQueueDepth(depth int) {
	d := int64(depth)
	b.QueueDepth.Store(d)
	for {
		cur := b.MaxQueueDepth.Load()
		if d <= cur || b.MaxQueueDepth.CompareAndSwap(cur, d) {
			return
		}
	}
}

// OnCheckpoint implements Observer.
func (b *Basic) OnCheckpoint(step int, _ time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
		return
	}
	b.LastCheckpoint.Store(int64(step))
}

// OnEvaluation implements Observer.
func (b *Basic) OnEvaluation(split string, e EvalSample) {
	b.EvaluationCount.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastEvals == nil {
		b.lastEvals = make(map[string]EvalSample)
	}
	b.lastEvals[split] = e
}

// GetStats returns a snapshot of current metrics.
func (b *Basic) GetStats() BasicStats {
	b.mu.Lock()
	evals := make(map[string]EvalSample, len(b.lastEvals))
	for k, v := range b.lastEvals {
		evals[k] = v
	}
	b.mu.Unlock()

	return BasicStats{
		StepCount:        b.StepCount.Load(),
		StepAvgNanos:     avg(b.StepTotalNanos.Load(), b.StepCount.Load()),
		LastLoss:         math.Float64frombits(b.LossBits.Load()),
		PrefetchHits:     b.PrefetchHits.Load(),
		PrefetchMisses:   b.PrefetchMisses.Load(),
		Evictions:        b.Evictions.Load(),
		WriteBacks:       b.WriteBacks.Load(),
		TracesApplied:    b.TracesApplied.Load(),
		TraceRowsApplied: b.TraceRowsApplied.Load(),
		TraceErrors:      b.TraceErrors.Load(),
		TraceAvgNanos:    avg(b.TraceTotalNanos.Load(), b.TracesApplied.Load()),
		QueueDepth:       b.QueueDepth.Load(),
		MaxQueueDepth:    b.MaxQueueDepth.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
		LastCheckpoint:   b.LastCheckpoint.Load(),
		EvaluationCount:  b.EvaluationCount.Load(),
		LastEvaluations:  evals,
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicStats is a snapshot of Basic state.
type BasicStats struct {
	StepCount        int64
	StepAvgNanos     int64
	LastLoss         float64
	PrefetchHits     int64
	PrefetchMisses   int64
	Evictions        int64
	WriteBacks       int64
	TracesApplied    int64
	TraceRowsApplied int64
	TraceErrors      int64
	TraceAvgNanos    int64
	QueueDepth       int64
	MaxQueueDepth    int64
	CheckpointCount  int64
	CheckpointErrors int64
	LastCheckpoint   int64
	EvaluationCount  int64
	LastEvaluations  map[string]EvalSample
}

// HitRate returns the fraction of prefetched rows already resident.
func (s BasicStats) HitRate() float64 {
	total := s.PrefetchHits + s.PrefetchMisses
	if total == 0 {
		return 0
	}
	return float64(s.PrefetchHits) / float64(total)
}
