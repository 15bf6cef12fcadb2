package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/kgeflow/backing"
	"github.com/hupe1980/kgeflow/internal/cache"
	"github.com/hupe1980/kgeflow/internal/resource"
	"github.com/hupe1980/kgeflow/metrics"
	"github.com/hupe1980/kgeflow/model"
)

var (
	// ErrCapacity is the cause of every CapacityError.
	ErrCapacity = errors.New("resident capacity exceeded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("embedding store closed")
)

// CapacityError is returned when a request does not fit the resident window.
type CapacityError struct {
	Table     model.Table
	Requested int
	Capacity  int
	cause     error
}

func (e *CapacityError) Error() string {
	if e.cause != nil && !errors.Is(e.cause, ErrCapacity) {
		return fmt.Sprintf("%s table: resident window of %d rows: %v", e.Table, e.Capacity, e.cause)
	}
	return fmt.Sprintf("%s table: %d rows requested, resident capacity is %d", e.Table, e.Requested, e.Capacity)
}

func (e *CapacityError) Unwrap() error {
	if e.cause == nil {
		return ErrCapacity
	}
	return e.cause
}

// Sink receives write-back traces produced by eviction and FlushResident.
type Sink interface {
	Dispatch(ctx context.Context, t *model.Trace) error
}

// Config configures a Store.
type Config struct {
	Table model.Table
	// Capacity is the number of resident rows.
	Capacity int
}

// Options holds Store options.
type Options struct {
	Resource *resource.Controller
	Sink     Sink
	Logger   *slog.Logger
	Observer metrics.Observer
}

// Option configures a Store.
type Option func(*Options)

// WithResourceController reserves the window from rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *Options) { o.Resource = rc }
}

// WithEvictionSink routes write-back traces to s. Without a sink they are
// applied synchronously.
func WithEvictionSink(s Sink) Option {
	return func(o *Options) { o.Sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(obs metrics.Observer) Option {
	return func(o *Options) { o.Observer = obs }
}

type slot struct {
	id        model.RowID
	used      bool
	pins      int32
	dirty     bool
	trainable bool
}

type pendingRow struct {
	vec []float32
	seq uint64
}

// Stats holds cumulative store counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	WriteBacks int64
	Applied    int64
}

// Store is one embedding table split between a resident window and a
// backing store. It is safe for concurrent use; rows pinned by a Handles
// belong to its owner until Release.
type Store struct {
	cfg      Config
	dim      int
	backing  backing.Store
	rc       *resource.Controller
	reserved int64
	logger   *slog.Logger
	observer metrics.Observer

	mu      sync.Mutex
	values  []float32
	grads   []float32
	slots   []slot
	pos     map[model.RowID]int32
	free    []int32
	lru     *cache.LRU[model.RowID]
	pending map[model.RowID]pendingRow
	seq     uint64
	sink    Sink
	closed  bool

	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	writeBacks atomic.Int64
	applied    atomic.Int64
}

// New creates a store over b with a window of cfg.Capacity rows.
func New(b backing.Store, cfg Config, optFns ...Option) (*Store, error) {
	if b == nil {
		return nil, errors.New("embedding: nil backing store")
	}
	if cfg.Capacity <= 0 {
		return nil, &CapacityError{Table: cfg.Table, Capacity: cfg.Capacity}
	}

	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dim := b.Dim()
	if cfg.Capacity > b.Len() {
		cfg.Capacity = b.Len()
	}

	reserved := int64(cfg.Capacity) * int64(dim) * 4 * 2
	if err := opts.Resource.ReserveResident(reserved); err != nil {
		return nil, &CapacityError{Table: cfg.Table, Requested: cfg.Capacity, Capacity: cfg.Capacity, cause: err}
	}

	s := &Store{
		cfg:      cfg,
		dim:      dim,
		backing:  b,
		rc:       opts.Resource,
		reserved: reserved,
		logger:   opts.Logger.With("table", cfg.Table.String()),
		observer: metrics.OrNoop(opts.Observer),
		values:   make([]float32, cfg.Capacity*dim),
		grads:    make([]float32, cfg.Capacity*dim),
		slots:    make([]slot, cfg.Capacity),
		pos:      make(map[model.RowID]int32, cfg.Capacity),
		free:     make([]int32, 0, cfg.Capacity),
		lru:      cache.NewLRU[model.RowID](cfg.Capacity),
		pending:  make(map[model.RowID]pendingRow),
		sink:     opts.Sink,
	}
	for i := cfg.Capacity - 1; i >= 0; i-- {
		s.free = append(s.free, int32(i))
	}

	return s, nil
}

// SetSink replaces the eviction sink. The update worker usually needs the
// store as its applier, so it is attached after construction.
func (s *Store) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Table returns the table this store holds.
func (s *Store) Table() model.Table { return s.cfg.Table }

// Dim returns the row width.
func (s *Store) Dim() int { return s.dim }

// Len returns the number of rows in the table.
func (s *Store) Len() int { return s.backing.Len() }

// Capacity returns the size of the resident window.
func (s *Store) Capacity() int { return s.cfg.Capacity }

// Backing returns the backing store.
func (s *Store) Backing() backing.Store { return s.backing }

func (s *Store) row(sl int32) []float32 {
	off := int(sl) * s.dim
	return s.values[off : off+s.dim : off+s.dim]
}

func (s *Store) grad(sl int32) []float32 {
	off := int(sl) * s.dim
	return s.grads[off : off+s.dim : off+s.dim]
}

// Prefetch makes every id resident and pins it until the returned Handles
// is released. Duplicate ids share one slot.
//
// Dirty rows evicted to make room are written back through the sink
// before Prefetch returns; a full update queue blocks here.
func (s *Store) Prefetch(ctx context.Context, ids []model.RowID) (*Handles, error) {
	uniq := dedup(ids)
	if len(uniq) > s.cfg.Capacity {
		return nil, &CapacityError{Table: s.cfg.Table, Requested: len(uniq), Capacity: s.cfg.Capacity}
	}

	h := &Handles{
		store: s,
		ids:   uniq,
		slots: make([]int32, len(uniq)),
		index: make(map[model.RowID]int, len(uniq)),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	var (
		hits, misses, evicted int
		writeBack             *model.Trace
		err                   error
	)

	missing := make([]int, 0, len(uniq))
	for i, id := range uniq {
		h.index[id] = i
		if sl, ok := s.pos[id]; ok {
			s.slots[sl].pins++
			s.lru.Touch(id)
			h.slots[i] = sl
			hits++
			continue
		}
		h.slots[i] = -1
		missing = append(missing, i)
	}

	for _, i := range missing {
		id := uniq[i]
		sl, ok := s.takeFree()
		if !ok {
			victim, found := s.lru.Evict(func(k model.RowID) bool {
				return s.slots[s.pos[k]].pins > 0
			})
			if !found {
				// Other outstanding handles pin the rest of the window.
				err = &CapacityError{Table: s.cfg.Table, Requested: len(uniq), Capacity: s.cfg.Capacity}
				break
			}
			sl = s.pos[victim]
			delete(s.pos, victim)
			if s.slots[sl].dirty {
				if writeBack == nil {
					writeBack = model.NewTrace(s.cfg.Table, s.dim, len(missing))
					writeBack.Evicted = true
				}
				writeBack.Append(victim, s.row(sl))
			}
			s.slots[sl] = slot{}
			evicted++
		}

		if lerr := s.load(id, s.row(sl)); lerr != nil {
			s.free = append(s.free, sl)
			err = fmt.Errorf("load row %d: %w", id, lerr)
			break
		}
		s.slots[sl] = slot{id: id, used: true, pins: 1}
		s.pos[id] = sl
		s.lru.Touch(id)
		h.slots[i] = sl
		misses++
	}

	if writeBack != nil {
		s.register(writeBack)
	}

	if err != nil {
		// Loaded rows stay resident and valid; only the pins are undone.
		for _, sl := range h.slots {
			if sl >= 0 {
				s.slots[sl].pins--
			}
		}
	}
	sink := s.sink
	s.mu.Unlock()

	s.hits.Add(int64(hits))
	s.misses.Add(int64(misses))
	s.evictions.Add(int64(evicted))

	wb := writeBack.Len()
	if wb > 0 {
		s.writeBacks.Add(int64(wb))
		s.logger.Debug("evicted dirty rows", "rows", wb, "seq", writeBack.Seq)
		if derr := s.dispatch(ctx, sink, writeBack); derr != nil && err == nil {
			err = derr
			for _, sl := range h.slots {
				s.unpin(sl)
			}
		}
	}
	s.observer.OnPrefetch(s.cfg.Table.String(), hits, misses, evicted, wb)

	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Store) unpin(sl int32) {
	if sl < 0 {
		return
	}
	s.mu.Lock()
	if s.slots[sl].pins > 0 {
		s.slots[sl].pins--
	}
	s.mu.Unlock()
}

// load reads the latest value of id: an unapplied trace wins over the backing store.
func (s *Store) load(id model.RowID, dst []float32) error {
	if p, ok := s.pending[id]; ok {
		copy(dst, p.vec)
		return nil
	}
	return s.backing.Read(id, dst)
}

func (s *Store) takeFree() (int32, bool) {
	n := len(s.free)
	if n == 0 {
		return 0, false
	}
	sl := s.free[n-1]
	s.free = s.free[:n-1]
	return sl, true
}

// register assigns the next seq to t and records its rows as pending.
// Caller holds mu.
func (s *Store) register(t *model.Trace) {
	s.seq++
	t.Seq = s.seq
	for i, id := range t.Rows {
		s.pending[id] = pendingRow{vec: t.Vector(i), seq: t.Seq}
	}
}

func (s *Store) dispatch(ctx context.Context, sink Sink, t *model.Trace) error {
	if sink == nil {
		return s.ApplyTrace(ctx, t)
	}
	if err := sink.Dispatch(ctx, t); err != nil {
		return fmt.Errorf("dispatch write-back trace %d: %w", t.Seq, err)
	}
	return nil
}

// MarkTrainable zeroes the gradient rows of h and flags them trainable.
func (s *Store) MarkTrainable(h *Handles) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range h.slots {
		clear(s.grad(sl))
		s.slots[sl].trainable = true
	}
}

// MarkDirty flags the rows of h as modified since their last trace.
func (s *Store) MarkDirty(h *Handles) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range h.slots {
		s.slots[sl].dirty = true
	}
}

// BuildTrace snapshots the current value of every row in h into a new
// trace and records those rows as pending.
func (s *Store) BuildTrace(h *Handles) *model.Trace {
	t := model.NewTrace(s.cfg.Table, s.dim, len(h.ids))

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range h.ids {
		sl := h.slots[i]
		t.Append(id, s.row(sl))
		s.slots[sl].dirty = false
		s.slots[sl].trainable = false
	}
	s.register(t)
	return t
}

// ApplyTrace writes every row of t to the backing store. The last write to
// a row wins.
func (s *Store) ApplyTrace(_ context.Context, t *model.Trace) error {
	start := time.Now()
	var err error
	written := len(t.Rows)
	for i, id := range t.Rows {
		if werr := s.backing.Write(id, t.Vector(i)); werr != nil {
			err = fmt.Errorf("apply trace %d row %d: %w", t.Seq, id, werr)
			written = i
			break
		}
	}

	// Pending entries are dropped even on error; the resident copy or a
	// later trace still holds the value.
	s.mu.Lock()
	for i, id := range t.Rows {
		p, ok := s.pending[id]
		if ok && p.seq == t.Seq {
			delete(s.pending, id)
		}
		if i >= written || (ok && p.seq > t.Seq) {
			continue
		}
		// Clean, unpinned resident copies follow the applied value. Dirty
		// and pinned rows carry local updates that are written back later.
		if sl, ok := s.pos[id]; ok && !s.slots[sl].dirty && s.slots[sl].pins == 0 {
			copy(s.row(sl), t.Vector(i))
		}
	}
	s.mu.Unlock()

	s.applied.Add(1)
	s.observer.OnTraceApplied(s.cfg.Table.String(), t.Len(), time.Since(start), err)
	return err
}

// Lookup copies the latest value of id into dst without pinning it.
func (s *Store) Lookup(id model.RowID, dst []float32) error {
	if len(dst) < s.dim {
		return fmt.Errorf("%w: buffer %d < dim %d", backing.ErrDimensionMismatch, len(dst), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.pos[id]; ok && s.slots[sl].dirty {
		copy(dst, s.row(sl))
		return nil
	}
	return s.load(id, dst[:s.dim])
}

// FlushResident writes back every dirty resident row and returns how many
// rows were dispatched.
func (s *Store) FlushResident(ctx context.Context) (int, error) {
	s.mu.Lock()
	var t *model.Trace
	for _, id := range s.lru.Keys() {
		sl := s.pos[id]
		if !s.slots[sl].dirty {
			continue
		}
		if t == nil {
			t = model.NewTrace(s.cfg.Table, s.dim, 0)
			t.Evicted = true
		}
		t.Append(id, s.row(sl))
		s.slots[sl].dirty = false
	}
	if t != nil {
		s.register(t)
	}
	sink := s.sink
	s.mu.Unlock()

	if t == nil {
		return 0, nil
	}
	s.writeBacks.Add(int64(t.Len()))
	return t.Len(), s.dispatch(ctx, sink, t)
}

// Resident returns the number of resident rows.
func (s *Store) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pos)
}

// Pending returns the number of rows with an unapplied trace.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// IsResident reports whether id occupies a slot.
func (s *Store) IsResident(id model.RowID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pos[id]
	return ok
}

// Stats returns cumulative counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Evictions:  s.evictions.Load(),
		WriteBacks: s.writeBacks.Load(),
		Applied:    s.applied.Load(),
	}
}

// Close releases the window reservation. Dirty rows are not flushed;
// call FlushResident and drain the sink first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.rc.ReleaseResident(s.reserved)
	return nil
}

func dedup(ids []model.RowID) []model.RowID {
	seen := make(map[model.RowID]struct{}, len(ids))
	out := make([]model.RowID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
