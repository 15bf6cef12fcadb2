package resource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation would exceed the resident budget.
var ErrMemoryLimitExceeded = errors.New("resident memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// ResidentLimitBytes caps the memory of all resident windows.
	// If 0, usage is tracked but not limited.
	ResidentLimitBytes int64

	// MaxFlushWorkers caps concurrently running update workers.
	// If 0, defaults to 1.
	MaxFlushWorkers int64

	// FlushBytesPerSec caps the write bandwidth to backing stores.
	// If 0, unlimited.
	FlushBytesPerSec int64
}

// Controller hands out resident memory, flush bandwidth and worker slots.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	workerSem *semaphore.Weighted

	flushLimiter *rate.Limiter
	flushed      atomic.Int64
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxFlushWorkers <= 0 {
		cfg.MaxFlushWorkers = 1
	}

	c := &Controller{
		cfg:       cfg,
		workerSem: semaphore.NewWeighted(cfg.MaxFlushWorkers),
	}

	if cfg.ResidentLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.ResidentLimitBytes)
	}

	if cfg.FlushBytesPerSec > 0 {
		c.flushLimiter = rate.NewLimiter(rate.Limit(cfg.FlushBytesPerSec), int(cfg.FlushBytesPerSec))
	}

	return c
}

// ReserveResident reserves bytes of resident memory without blocking.
func (c *Controller) ReserveResident(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrMemoryLimitExceeded, bytes, c.memUsed.Load(), c.cfg.ResidentLimitBytes)
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseResident returns a reservation.
func (c *Controller) ReleaseResident(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// ResidentUsage returns the reserved resident bytes.
func (c *Controller) ResidentUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// ResidentLimit returns the configured budget (0 if unlimited).
func (c *Controller) ResidentLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.ResidentLimitBytes
}

// AcquireWorker blocks until a flush worker slot is free.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workerSem.Acquire(ctx, 1)
}

// TryAcquireWorker reserves a flush worker slot without blocking.
func (c *Controller) TryAcquireWorker() bool {
	if c == nil {
		return true
	}
	return c.workerSem.TryAcquire(1)
}

// ReleaseWorker releases a flush worker slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.workerSem.Release(1)
}

// WaitFlush blocks until the flush budget admits bytes.
// Requests larger than the burst are admitted in burst-sized pieces.
func (c *Controller) WaitFlush(ctx context.Context, bytes int) error {
	if c == nil {
		return nil
	}
	c.flushed.Add(int64(bytes))
	if c.flushLimiter == nil {
		return ctx.Err()
	}

	burst := c.flushLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.flushLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// FlushedBytes returns the total bytes admitted by WaitFlush.
func (c *Controller) FlushedBytes() int64 {
	if c == nil {
		return 0
	}
	return c.flushed.Load()
}
