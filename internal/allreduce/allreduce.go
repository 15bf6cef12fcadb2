// Package allreduce averages dense gradients across in-process training
// workers.
//
// Every rank calls Mean with a buffer of the same length once per step. The
// call returns when all ranks have arrived, with each buffer replaced by the
// element-wise mean. Barrier is a Mean without data.
package allreduce

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrShapeMismatch is returned when ranks contribute buffers of different length.
	ErrShapeMismatch = errors.New("allreduce: buffer length mismatch")

	// ErrAborted is returned to every rank once one rank has left a round early.
	ErrAborted = errors.New("allreduce: group aborted")
)

type round struct {
	sum     []float32
	arrived int
	done    chan struct{}
	err     error
}

// Group synchronizes a fixed number of ranks.
type Group struct {
	size int

	mu      sync.Mutex
	cur     *round
	aborted error
}

// New creates a group of size ranks.
func New(size int) *Group {
	if size < 1 {
		size = 1
	}
	return &Group{size: size, cur: &round{done: make(chan struct{})}}
}

// Size returns the number of ranks.
func (g *Group) Size() int { return g.size }

// Mean adds buf to the current round, waits for every rank and overwrites
// buf with the mean of all contributions.
func (g *Group) Mean(ctx context.Context, buf []float32) error {
	if g.size == 1 {
		return nil
	}

	g.mu.Lock()
	if g.aborted != nil {
		g.mu.Unlock()
		return g.aborted
	}
	r := g.cur
	switch {
	case r.arrived == 0:
		r.sum = append([]float32(nil), buf...)
	case len(buf) != len(r.sum):
		g.mu.Unlock()
		err := fmt.Errorf("%w: got %d, round has %d", ErrShapeMismatch, len(buf), len(r.sum))
		g.abort(err)
		return err
	default:
		for i, v := range buf {
			r.sum[i] += v
		}
	}
	r.arrived++
	if r.arrived == g.size {
		inv := 1 / float32(g.size)
		for i := range r.sum {
			r.sum[i] *= inv
		}
		g.cur = &round{done: make(chan struct{})}
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		g.abort(fmt.Errorf("%w: %v", ErrAborted, ctx.Err()))
		return ctx.Err()
	}

	if r.err != nil {
		return r.err
	}
	copy(buf, r.sum)
	return nil
}

// Barrier waits until every rank has called Barrier.
func (g *Group) Barrier(ctx context.Context) error {
	return g.Mean(ctx, nil)
}

// abort fails the current round and every later one.
func (g *Group) abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.aborted != nil {
		return
	}
	if !errors.Is(err, ErrAborted) {
		err = fmt.Errorf("%w: %w", ErrAborted, err)
	}
	g.aborted = err
	g.cur.err = err
	close(g.cur.done)
}
