// Package updater applies embedding traces to backing stores.
//
// Worker drains a bounded FIFO queue on a background goroutine so that the
// next training step can run while the previous step's rows are written.
// Inline applies on the caller's goroutine. Both satisfy Dispatcher.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/kgeflow/internal/resource"
	"github.com/hupe1980/kgeflow/metrics"
	"github.com/hupe1980/kgeflow/model"
)

var (
	// ErrFinished is returned by Enqueue and Sync after Finish.
	ErrFinished = errors.New("updater finished")

	// ErrNoApplier is returned when a trace targets a table nobody applies.
	ErrNoApplier = errors.New("no applier for table")
)

// Applier writes a trace to its backing store.
type Applier interface {
	ApplyTrace(ctx context.Context, t *model.Trace) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, t *model.Trace) error

// ApplyTrace calls f.
func (f ApplierFunc) ApplyTrace(ctx context.Context, t *model.Trace) error { return f(ctx, t) }

// Journal records traces before they are applied.
type Journal interface {
	Append(t *model.Trace) error
}

// Dispatcher hands traces to an applier.
type Dispatcher interface {
	// Dispatch schedules t. It may block for backpressure.
	Dispatch(ctx context.Context, t *model.Trace) error
	// Sync returns once everything dispatched before it has been applied.
	Sync(ctx context.Context) error
	// Finish applies everything outstanding and stops accepting traces.
	Finish(ctx context.Context) error
}

// Router sends each trace to the applier of its table.
type Router map[model.Table]Applier

// ApplyTrace routes t by t.Table.
func (r Router) ApplyTrace(ctx context.Context, t *model.Trace) error {
	a, ok := r[t.Table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoApplier, t.Table)
	}
	return a.ApplyTrace(ctx, t)
}

// Options configures a Worker.
type Options struct {
	Logger   *slog.Logger
	Observer metrics.Observer
	Resource *resource.Controller
	Journal  Journal
}

// Option configures a Worker.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(obs metrics.Observer) Option {
	return func(o *Options) { o.Observer = obs }
}

// WithResourceController throttles applies through rc's flush limiter and
// worker slots.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *Options) { o.Resource = rc }
}

// WithJournal appends every trace to j before applying it.
func WithJournal(j Journal) Option {
	return func(o *Options) { o.Journal = j }
}

type item struct {
	trace *model.Trace
	fence chan struct{}
}

// Worker applies traces in FIFO order on one background goroutine.
type Worker struct {
	applier Applier
	opts    Options
	logger  *slog.Logger
	obs     metrics.Observer

	queue chan item
	done  chan struct{}

	mu       sync.RWMutex // guards sends against close(queue)
	finished bool

	startOnce sync.Once
	finishMu  sync.Mutex

	errMu sync.Mutex
	err   error

	applied atomic.Int64
}

var _ Dispatcher = (*Worker)(nil)

// New creates a Worker with room for capacity queued traces.
func New(applier Applier, capacity int, optFns ...Option) *Worker {
	if capacity <= 0 {
		capacity = 1
	}
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Worker{
		applier: applier,
		opts:    opts,
		logger:  opts.Logger,
		obs:     metrics.OrNoop(opts.Observer),
		queue:   make(chan item, capacity),
		done:    make(chan struct{}),
	}
}

// Start launches the apply goroutine. Applies keep running after ctx is
// canceled so that Finish can drain the queue.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(context.WithoutCancel(ctx))
	})
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for it := range w.queue {
		if it.fence != nil {
			close(it.fence)
			continue
		}
		if w.Err() != nil {
			// Terminal failure: keep consuming so producers never block.
			continue
		}
		if err := w.apply(ctx, it.trace); err != nil {
			w.setErr(err)
			w.logger.Error("apply trace failed", "seq", it.trace.Seq, "table", it.trace.Table.String(), "error", err)
		}
		w.obs.OnQueueDepth(len(w.queue))
	}
}

func (w *Worker) apply(ctx context.Context, t *model.Trace) error {
	rc := w.opts.Resource
	if err := rc.AcquireWorker(ctx); err != nil {
		return err
	}
	defer rc.ReleaseWorker()

	if w.opts.Journal != nil {
		if err := w.opts.Journal.Append(t); err != nil {
			return fmt.Errorf("journal trace %d: %w", t.Seq, err)
		}
	}
	if err := rc.WaitFlush(ctx, t.SizeBytes()); err != nil {
		return err
	}
	if err := w.applier.ApplyTrace(ctx, t); err != nil {
		return err
	}
	w.applied.Add(1)
	return nil
}

func (w *Worker) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first apply error, if any.
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *Worker) send(ctx context.Context, it item) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.finished {
		return ErrFinished
	}

	select {
	case w.queue <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues t, blocking while the queue is full. It returns the
// worker's first apply error once one has occurred.
func (w *Worker) Enqueue(ctx context.Context, t *model.Trace) error {
	if err := w.Err(); err != nil {
		return err
	}
	if err := w.send(ctx, item{trace: t}); err != nil {
		return err
	}
	w.obs.OnQueueDepth(len(w.queue))
	return nil
}

// Dispatch is Enqueue.
func (w *Worker) Dispatch(ctx context.Context, t *model.Trace) error {
	return w.Enqueue(ctx, t)
}

// Sync waits until every trace enqueued before the call has been applied.
func (w *Worker) Sync(ctx context.Context) error {
	fence := make(chan struct{})
	if err := w.send(ctx, item{fence: fence}); err != nil {
		if errors.Is(err, ErrFinished) {
			return w.Err()
		}
		return err
	}

	select {
	case <-fence:
		return w.Err()
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish stops intake and waits for every queued trace to be applied. It
// starts the worker if Start was never called, and returns the first
// apply error. Later calls return the same result.
func (w *Worker) Finish(ctx context.Context) error {
	w.finishMu.Lock()
	defer w.finishMu.Unlock()

	// Blocked senders hold the read lock until the worker makes room.
	w.Start(ctx)

	w.mu.Lock()
	if !w.finished {
		w.finished = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.logger.Debug("update worker drained", "applied", w.applied.Load())
	return w.Err()
}

// Len returns the number of queued items.
func (w *Worker) Len() int { return len(w.queue) }

// Applied returns the number of traces applied.
func (w *Worker) Applied() int64 { return w.applied.Load() }

// Inline applies traces on the caller's goroutine.
type Inline struct {
	applier Applier
	journal Journal
	applied atomic.Int64
}

var _ Dispatcher = (*Inline)(nil)

// NewInline creates an Inline dispatcher. j may be nil.
func NewInline(applier Applier, j Journal) *Inline {
	return &Inline{applier: applier, journal: j}
}

// Dispatch applies t immediately.
func (in *Inline) Dispatch(ctx context.Context, t *model.Trace) error {
	if in.journal != nil {
		if err := in.journal.Append(t); err != nil {
			return fmt.Errorf("journal trace %d: %w", t.Seq, err)
		}
	}
	if err := in.applier.ApplyTrace(ctx, t); err != nil {
		return err
	}
	in.applied.Add(1)
	return nil
}

// Sync is a no-op.
func (in *Inline) Sync(context.Context) error { return nil }

// Finish is a no-op.
func (in *Inline) Finish(context.Context) error { return nil }

// Applied returns the number of traces applied.
func (in *Inline) Applied() int64 { return in.applied.Load() }
