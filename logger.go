package kgeflow

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hupe1980/kgeflow/config"
	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/metrics"
)

// Logger wraps slog.Logger with kgeflow-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// NewLoggerFromConfig builds the logger a LoggingConfig describes, writing
// to w.
func NewLoggerFromConfig(cfg config.LoggingConfig, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return NewLogger(slog.NewJSONHandler(w, opts))
	}
	return NewLogger(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// WithTable adds a table field to the logger.
func (l *Logger) WithTable(table string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", table),
	}
}

// LogGraph logs the splits of a loaded graph.
func (l *Logger) LogGraph(ctx context.Context, path string, g *graph.Graph) {
	l.InfoContext(ctx, "graph loaded",
		"path", path,
		"entities", g.NumEntities(),
		"relations", g.NumRelations(),
		"train", len(g.Train()),
		"valid", len(g.Valid()),
		"test", len(g.Test()),
	)
}

// LogEviction logs rows evicted from a resident window.
func (l *Logger) LogEviction(ctx context.Context, table string, evictions, writeBacks int) {
	l.DebugContext(ctx, "resident rows evicted",
		"table", table,
		"evictions", evictions,
		"write_backs", writeBacks,
	)
}

// LogTraceApplied logs a trace that failed to reach its backing store.
func (l *Logger) LogTraceApplied(ctx context.Context, table string, rows int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "trace apply failed",
			"table", table,
			"rows", rows,
			"error", err,
		)
	}
}

// LogCheckpoint logs a failed checkpoint. Successful ones are logged by the
// training loop.
func (l *Logger) LogCheckpoint(ctx context.Context, step int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"step", step,
			"duration", d,
			"error", err,
		)
	}
}

// LogSummary logs the outcome of a run.
func (l *Logger) LogSummary(ctx context.Context, s Summary, err error) {
	attrs := []any{
		"start_step", s.StartStep,
		"steps", s.Steps,
		"loss", s.LastLoss,
		"duration", s.Duration,
	}
	if s.Test != nil {
		attrs = append(attrs, "test_mrr", s.Test.Average.MRR, "test_hits@10", s.Test.Average.Hits10)
	}
	if err != nil {
		l.ErrorContext(ctx, "training failed", append(attrs, "error", err)...)
		return
	}
	l.InfoContext(ctx, "training completed", attrs...)
}

// logObserver reports store and checkpoint failures through the logger and
// forwards every event to next.
type logObserver struct {
	logger *Logger
	next   metrics.Observer
}

var _ metrics.Observer = logObserver{}

func (o logObserver) OnStep(s metrics.StepSample) { o.next.OnStep(s) }

func (o logObserver) OnPrefetch(table string, hits, misses, evictions, writeBacks int) {
	if evictions > 0 {
		o.logger.LogEviction(context.Background(), table, evictions, writeBacks)
	}
	o.next.OnPrefetch(table, hits, misses, evictions, writeBacks)
}

func (o logObserver) OnTraceApplied(table string, rows int, d time.Duration, err error) {
	o.logger.LogTraceApplied(context.Background(), table, rows, err)
	o.next.OnTraceApplied(table, rows, d, err)
}

func (o logObserver) OnQueueDepth(depth int) { o.next.OnQueueDepth(depth) }

func (o logObserver) OnCheckpoint(step int, d time.Duration, err error) {
	o.logger.LogCheckpoint(context.Background(), step, d, err)
	o.next.OnCheckpoint(step, d, err)
}

func (o logObserver) OnEvaluation(split string, e metrics.EvalSample) {
	o.next.OnEvaluation(split, e)
}
