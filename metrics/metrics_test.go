package metrics

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasic(t *testing.T) {
	b := NewBasic()

	b.OnStep(StepSample{Step: 1, Loss: 0.5, Forward: time.Millisecond})
	b.OnStep(StepSample{Step: 2, Loss: 0.25, Forward: 3 * time.Millisecond})
	b.OnPrefetch("entity", 6, 2, 1, 1)
	b.OnTraceApplied("entity", 10, time.Millisecond, nil)
	b.OnTraceApplied("entity", 10, time.Millisecond, errors.New("boom"))
	b.OnQueueDepth(4)
	b.OnQueueDepth(1)
	b.OnCheckpoint(100, time.Second, nil)
	b.OnCheckpoint(200, time.Second, errors.New("disk full"))
	b.OnEvaluation("valid", EvalSample{MRR: 0.4})

	s := b.GetStats()
	assert.Equal(t, int64(2), s.StepCount)
	assert.Equal(t, (2 * time.Millisecond).Nanoseconds(), s.StepAvgNanos)
	assert.Equal(t, 0.25, s.LastLoss)
	assert.InDelta(t, 0.75, s.HitRate(), 1e-9)
	assert.Equal(t, int64(1), s.WriteBacks)
	assert.Equal(t, int64(2), s.TracesApplied)
	assert.Equal(t, int64(10), s.TraceRowsApplied)
	assert.Equal(t, int64(1), s.TraceErrors)
	assert.Equal(t, int64(1), s.QueueDepth)
	assert.Equal(t, int64(4), s.MaxQueueDepth)
	assert.Equal(t, int64(100), s.LastCheckpoint)
	assert.Equal(t, int64(1), s.CheckpointErrors)
	assert.Equal(t, 0.4, s.LastEvaluations["valid"].MRR)
}

func TestBasic_Concurrent(t *testing.T) {
	var b Basic
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.OnTraceApplied("entity", 1, 0, nil)
				b.OnQueueDepth(i*100 + j)
			}
			b.OnEvaluation("valid", EvalSample{})
		}(i)
	}
	wg.Wait()

	s := b.GetStats()
	assert.Equal(t, int64(800), s.TraceRowsApplied)
	assert.Equal(t, int64(799), s.MaxQueueDepth)
	assert.Equal(t, int64(8), s.EvaluationCount)
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")

	p.OnStep(StepSample{Loss: 0.7, Reg: 0.01})
	p.OnStep(StepSample{Loss: 0.6})
	p.OnPrefetch("entity", 3, 2, 1, 1)
	p.OnTraceApplied("entity", 5, time.Millisecond, nil)
	p.OnTraceApplied("relation", 5, time.Millisecond, errors.New("x"))
	p.OnQueueDepth(3)
	p.OnCheckpoint(50, time.Second, nil)
	p.OnEvaluation("test", EvalSample{MRR: 0.5, Hits10: 0.9})

	assert.Equal(t, 2.0, testutil.ToFloat64(p.steps))
	assert.Equal(t, 0.6, testutil.ToFloat64(p.loss))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.prefetchRows.WithLabelValues("entity", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.traces.WithLabelValues("relation", "error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(p.traceRows.WithLabelValues("entity")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.queueDepth))
	assert.Equal(t, 50.0, testutil.ToFloat64(p.lastStep))
	assert.Equal(t, 0.9, testutil.ToFloat64(p.evalMetrics.WithLabelValues("test", "hits@10")))

	expected := `
# HELP kgeflow_checkpoints_total Checkpoint attempts
# TYPE kgeflow_checkpoints_total counter
kgeflow_checkpoints_total{status="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kgeflow_checkpoints_total"))
}

func TestPrometheus_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheus(reg, "kge")
	assert.Panics(t, func() { NewPrometheus(reg, "kge") })

	// A second namespace does not collide.
	assert.NotPanics(t, func() { NewPrometheus(reg, "other") })
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, NoopObserver{}, OrNoop(nil))
	b := NewBasic()
	assert.Same(t, b, OrNoop(b))
}
