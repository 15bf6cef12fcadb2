package kgeflow

import (
	"log/slog"

	"github.com/hupe1980/kgeflow/backing"
	"github.com/hupe1980/kgeflow/blobstore"
	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/metrics"
)

type options struct {
	logger          *Logger
	observer        metrics.Observer
	graph           *graph.Graph
	entityStore     backing.Store
	relationStore   backing.Store
	checkpointStore blobstore.BlobStore
}

// Option configures New.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := kgeflow.NewJSONLogger(slog.LevelInfo)
//	t, _ := kgeflow.New(ctx, cfg, kgeflow.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithObserver receives training metrics. Pass nil to disable metrics.
//
// Example with the in-memory collector:
//
//	m := metrics.NewBasic()
//	t, _ := kgeflow.New(ctx, cfg, kgeflow.WithObserver(m))
//	// ... t.Run(ctx) ...
//	fmt.Println(m.GetStats().HitRate())
func WithObserver(obs metrics.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithGraph trains on g instead of loading config.Data.Path.
func WithGraph(g *graph.Graph) Option {
	return func(o *options) {
		o.graph = g
	}
}

// WithEntityStore uses s as the entity backing store instead of opening
// the one config.Embedding describes. The caller keeps ownership of s.
func WithEntityStore(s backing.Store) Option {
	return func(o *options) {
		o.entityStore = s
	}
}

// WithRelationStore uses s as the relation backing store when relations are
// sparse. The caller keeps ownership of s.
func WithRelationStore(s backing.Store) Option {
	return func(o *options) {
		o.relationStore = s
	}
}

// WithCheckpointStore writes checkpoints to s. It is required for the "s3"
// and "minio" checkpoint stores, whose clients are built by the caller.
func WithCheckpointStore(s blobstore.BlobStore) Option {
	return func(o *options) {
		o.checkpointStore = s
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:   NoopLogger(),
		observer: metrics.NoopObserver{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	o.observer = metrics.OrNoop(o.observer)
	return o
}
