package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exports training metrics through client_golang.
type Prometheus struct {
	steps         prometheus.Counter
	stepSeconds   *prometheus.HistogramVec
	loss          prometheus.Gauge
	regularizer   prometheus.Gauge
	prefetchRows  *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	writeBacks    *prometheus.CounterVec
	traces        *prometheus.CounterVec
	traceRows     *prometheus.CounterVec
	traceLatency  prometheus.Histogram
	queueDepth    prometheus.Gauge
	checkpoints   *prometheus.CounterVec
	checkpointDur prometheus.Histogram
	lastStep      prometheus.Gauge
	evalMetrics   *prometheus.GaugeVec
}

var _ Observer = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "kgeflow"
	}
	f := promauto.With(reg)

	return &Prometheus{
		steps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total training steps completed",
		}),
		stepSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_phase_seconds",
			Help:      "Time spent per step phase",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"phase"}),
		loss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loss",
			Help:      "Loss of the last step",
		}),
		regularizer: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "regularization",
			Help:      "Regularization term of the last step",
		}),
		prefetchRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_rows_total",
			Help:      "Rows prefetched into the resident window",
		}, []string{"table", "result"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Rows evicted from the resident window",
		}, []string{"table"}),
		writeBacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_backs_total",
			Help:      "Dirty rows written back on eviction",
		}, []string{"table"}),
		traces: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_applied_total",
			Help:      "Traces applied to the backing store",
		}, []string{"table", "status"}),
		traceRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_rows_applied_total",
			Help:      "Rows written to the backing store by traces",
		}, []string{"table"}),
		traceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trace_apply_seconds",
			Help:      "Latency of applying one trace",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_queue_depth",
			Help:      "Traces waiting in the update queue",
		}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint attempts",
		}, []string{"status"}),
		checkpointDur: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_seconds",
			Help:      "Checkpoint duration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		lastStep: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_last_step",
			Help:      "Step of the last successful checkpoint",
		}),
		evalMetrics: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation",
			Help:      "Ranking metrics of the last evaluation",
		}, []string{"split", "metric"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// OnStep implements Observer.
func (p *Prometheus) OnStep(s StepSample) {
	p.steps.Inc()
	p.loss.Set(s.Loss)
	p.regularizer.Set(s.Reg)
	p.stepSeconds.WithLabelValues("sample").Observe(s.Sample.Seconds())
	p.stepSeconds.WithLabelValues("forward").Observe(s.Forward.Seconds())
	p.stepSeconds.WithLabelValues("backward").Observe(s.Backward.Seconds())
	p.stepSeconds.WithLabelValues("update").Observe(s.Update.Seconds())
}

// OnPrefetch implements Observer.
func (p *Prometheus) OnPrefetch(table string, hits, misses, evictions, writeBacks int) {
	p.prefetchRows.WithLabelValues(table, "hit").Add(float64(hits))
	p.prefetchRows.WithLabelValues(table, "miss").Add(float64(misses))
	p.evictions.WithLabelValues(table).Add(float64(evictions))
	p.writeBacks.WithLabelValues(table).Add(float64(writeBacks))
}

// OnTraceApplied implements Observer.
func (p *Prometheus) OnTraceApplied(table string, rows int, d time.Duration, err error) {
	p.traces.WithLabelValues(table, status(err)).Inc()
	p.traceLatency.Observe(d.Seconds())
	if err == nil {
		p.traceRows.WithLabelValues(table).Add(float64(rows))
	}
}

// OnQueueDepth implements Observer.
func (p *Prometheus) OnQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

// OnCheckpoint implements Observer.
func (p *Prometheus) OnCheckpoint(step int, d time.Duration, err error) {
	p.checkpoints.WithLabelValues(status(err)).Inc()
	p.checkpointDur.Observe(d.Seconds())
	if err == nil {
		p.lastStep.Set(float64(step))
	}
}

// OnEvaluation implements Observer.
func (p *Prometheus) OnEvaluation(split string, e EvalSample) {
	p.evalMetrics.WithLabelValues(split, "mrr").Set(e.MRR)
	p.evalMetrics.WithLabelValues(split, "mr").Set(e.MR)
	p.evalMetrics.WithLabelValues(split, "hits@1").Set(e.Hits1)
	p.evalMetrics.WithLabelValues(split, "hits@3").Set(e.Hits3)
	p.evalMetrics.WithLabelValues(split, "hits@10").Set(e.Hits10)
}
