package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/kgeflow/dataloader"
	"github.com/hupe1980/kgeflow/internal/embedding"
	"github.com/hupe1980/kgeflow/internal/updater"
	"github.com/hupe1980/kgeflow/metrics"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/optim"
	"github.com/hupe1980/kgeflow/score"
)

// StepResult describes one completed step.
type StepResult struct {
	Step  int
	Loss  float32
	Reg   float32
	Batch *dataloader.Batch
	// Traces are the traces dispatched by the step, entities first.
	Traces []*model.Trace
}

// worker is one rank: a loader, a resident window per sparse table, an
// update dispatcher and a replica of the dense parameters.
type worker struct {
	rank int
	t    *Trainer

	loader    *dataloader.Train
	entities  *embedding.Store
	relations *embedding.Store // nil with dense relations
	relParam  *optim.Param     // nil with sparse relations
	dense     optim.Optimizer  // nil without dense parameters
	entOpt    *optim.Sparse
	relOpt    *optim.Sparse

	disp  updater.Dispatcher
	async *updater.Worker

	logger    *slog.Logger
	step      int
	lastSaved int
	lastLoss  float32
	stats     StepMetrics
}

// relationRows resolves relation ids to value and gradient rows.
type relationRows func(id uint32) (row, grad []float32)

// Step runs SAMPLE, PREFETCH, FORWARD, LOSS, BACKWARD, OPTIMIZE and
// TRACE_DISPATCH for one batch. It returns io.EOF once the loader is done.
func (w *worker) Step(ctx context.Context) (StepResult, error) {
	start := time.Now()
	b, err := w.loader.Next(ctx)
	if err != nil {
		return StepResult{}, err
	}

	eh, err := w.entities.Prefetch(ctx, toRowIDs(b.Entities))
	if err != nil {
		return StepResult{}, fmt.Errorf("prefetch entities: %w", err)
	}
	defer eh.Release()
	w.entities.MarkTrainable(eh)

	var (
		rh  *embedding.Handles
		rel relationRows
	)
	if w.relations != nil {
		rh, err = w.relations.Prefetch(ctx, toRowIDs(b.RelationIDs))
		if err != nil {
			return StepResult{}, fmt.Errorf("prefetch relations: %w", err)
		}
		defer rh.Release()
		w.relations.MarkTrainable(rh)
		rel = func(id uint32) ([]float32, []float32) {
			i, _ := rh.Index(model.RowID(id))
			return rh.Row(i), rh.Grad(i)
		}
	} else {
		rel = func(id uint32) ([]float32, []float32) {
			return w.relParam.Row(int(id)), w.relParam.GradRow(int(id))
		}
	}
	ent := func(id uint32) ([]float32, []float32) {
		i, _ := eh.Index(model.RowID(id))
		return eh.Row(i), eh.Grad(i)
	}
	sampled := time.Now()

	m := w.t.model
	B, K := len(b.Heads), b.NegSize
	pos := make([]float32, B)
	neg := make([]float32, 0, B*K)
	for i := 0; i < B; i++ {
		h, _ := ent(b.Heads[i])
		r, _ := rel(b.Relations[i])
		t, _ := ent(b.Tails[i])
		pos[i] = m.Score(h, r, t)
		for _, n := range b.Negs(i) {
			e, _ := ent(n)
			if b.Mode == model.ModeHead {
				neg = append(neg, m.Score(e, r, t))
			} else {
				neg = append(neg, m.Score(h, r, e))
			}
		}
	}
	if len(neg) != B*K {
		return StepResult{}, fmt.Errorf("%w: %d negative scores for %d positives of %d", score.ErrShapeMismatch, len(neg), B, K)
	}

	loss, dPos, dNeg, err := w.t.cfg.Loss.Compute(pos, neg, K, b.Weights)
	if err != nil {
		return StepResult{}, err
	}
	forwarded := time.Now()

	for i := 0; i < B; i++ {
		h, gh := ent(b.Heads[i])
		r, gr := rel(b.Relations[i])
		t, gt := ent(b.Tails[i])
		m.Backward(h, r, t, dPos[i], gh, gr, gt)
		for j, n := range b.Negs(i) {
			e, ge := ent(n)
			if b.Mode == model.ModeHead {
				m.Backward(e, r, t, dNeg[i*K+j], ge, gr, gt)
			} else {
				m.Backward(h, r, e, dNeg[i*K+j], gh, gr, ge)
			}
		}
	}

	var reg float32
	if w.t.cfg.Regularizer.Enabled() {
		rows := make([][]float32, 0, eh.Len()+len(b.RelationIDs))
		grads := make([][]float32, 0, cap(rows))
		for i := 0; i < eh.Len(); i++ {
			rows = append(rows, eh.Row(i))
			grads = append(grads, eh.Grad(i))
		}
		for _, id := range b.RelationIDs {
			r, g := rel(id)
			rows = append(rows, r)
			grads = append(grads, g)
		}
		reg = w.t.cfg.Regularizer.Compute(rows...)
		w.t.cfg.Regularizer.Backward(rows, grads)
	}
	backwarded := time.Now()

	if w.dense != nil {
		for _, p := range w.dense.Params() {
			if err := w.t.group.Mean(ctx, p.Grad); err != nil {
				return StepResult{}, fmt.Errorf("all-reduce %s: %w", p.Name, err)
			}
		}
		w.dense.Step()
		w.dense.ZeroGrad()
	}

	for i, id := range eh.IDs() {
		w.entOpt.Update(id, eh.Row(i), eh.Grad(i))
	}
	w.entities.MarkDirty(eh)
	traces := []*model.Trace{w.entities.BuildTrace(eh)}
	eh.Release()

	if rh != nil {
		for i, id := range rh.IDs() {
			w.relOpt.Update(id, rh.Row(i), rh.Grad(i))
		}
		w.relations.MarkDirty(rh)
		traces = append(traces, w.relations.BuildTrace(rh))
		rh.Release()
	}

	for _, tr := range traces {
		if err := w.disp.Dispatch(ctx, tr); err != nil {
			return StepResult{}, fmt.Errorf("dispatch %s trace: %w", tr.Table, err)
		}
	}
	done := time.Now()

	w.step++
	w.lastLoss = loss
	sample := metrics.StepSample{
		Step:     w.step,
		Loss:     float64(loss),
		Reg:      float64(reg),
		Sample:   sampled.Sub(start),
		Forward:  forwarded.Sub(sampled),
		Backward: backwarded.Sub(forwarded),
		Update:   done.Sub(backwarded),
	}
	w.stats.Add(sample)
	w.t.observer.OnStep(sample)

	return StepResult{Step: w.step, Loss: loss, Reg: reg, Batch: b, Traces: traces}, nil
}

// run steps until limit, then finishes the dispatcher with a context that
// outlives ctx so queued traces are drained.
func (w *worker) run(ctx context.Context, limit int) (err error) {
	if w.async != nil {
		w.async.Start(ctx)
	}
	defer func() {
		if ferr := w.disp.Finish(context.WithoutCancel(ctx)); err == nil {
			err = ferr
		}
	}()

	for w.step < limit {
		if _, err := w.Step(ctx); err != nil {
			if errors.Is(err, io.EOF) && w.t.group.Size() == 1 {
				break
			}
			return fmt.Errorf("worker %d step %d: %w", w.rank, w.step+1, err)
		}
		if err := w.periodic(ctx); err != nil {
			return err
		}
	}

	if w.t.store != nil && w.lastSaved != w.step {
		return w.save(ctx)
	}
	return nil
}

func (w *worker) periodic(ctx context.Context) error {
	cfg := w.t.cfg
	if cfg.LogInterval > 0 && w.step%cfg.LogInterval == 0 {
		w.logProgress()
	}
	if cfg.Valid && cfg.EvalInterval > 0 && w.step%cfg.EvalInterval == 0 {
		err := w.collective(ctx, func(ctx context.Context) error {
			_, err := w.t.evaluateSplit(ctx, "valid", w.t.graph.Valid())
			return err
		})
		if err != nil {
			return err
		}
	}
	if w.t.store != nil && cfg.SaveInterval > 0 && w.step%cfg.SaveInterval == 0 {
		return w.save(ctx)
	}
	return nil
}

func (w *worker) logProgress() {
	mean := w.stats.Mean()
	w.logger.Info("train",
		"step", w.step,
		"loss", mean.Loss,
		"reg", mean.Reg,
		"sample_ms", ms(mean.Sample),
		"forward_ms", ms(mean.Forward),
		"backward_ms", ms(mean.Backward),
		"update_ms", ms(mean.Update),
	)
	if st := w.loader.SamplerStats(); st.Exhausted > 0 {
		w.logger.Debug("sampler retries exhausted", "negatives", st.Exhausted, "rejected", st.Rejected)
	}
	w.stats = StepMetrics{}
}

// collective flushes and drains every rank, runs fn on rank 0 and waits
// for it.
func (w *worker) collective(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := w.flush(ctx); err != nil {
		return fmt.Errorf("worker %d flush: %w", w.rank, err)
	}
	if err := w.disp.Sync(ctx); err != nil {
		return fmt.Errorf("worker %d sync: %w", w.rank, err)
	}
	if err := w.t.group.Barrier(ctx); err != nil {
		return err
	}
	var err error
	if w.rank == 0 {
		err = fn(ctx)
	}
	if berr := w.t.group.Barrier(ctx); err == nil {
		err = berr
	}
	return err
}

// flush hands every dirty resident row to the dispatcher.
func (w *worker) flush(ctx context.Context) error {
	if _, err := w.entities.FlushResident(ctx); err != nil {
		return err
	}
	if w.relations != nil {
		if _, err := w.relations.FlushResident(ctx); err != nil {
			return err
		}
	}
	return nil
}

// save checkpoints the current step. Every rank records it as saved.
func (w *worker) save(ctx context.Context) error {
	w.lastSaved = w.step
	return w.collective(ctx, func(ctx context.Context) error {
		return w.t.checkpoint(ctx, w.step, w.relParam)
	})
}

func toRowIDs(ids []uint32) []model.RowID {
	out := make([]model.RowID, len(ids))
	for i, id := range ids {
		out[i] = model.RowID(id)
	}
	return out
}
