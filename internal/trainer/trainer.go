// Package trainer runs the out-of-core training loop: per-worker step state
// machines over resident embedding windows, an update dispatcher per worker,
// an all-reduce for dense gradients and rank-0 evaluation and checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kgeflow/backing"
	"github.com/hupe1980/kgeflow/blobstore"
	"github.com/hupe1980/kgeflow/checkpoint"
	"github.com/hupe1980/kgeflow/dataloader"
	"github.com/hupe1980/kgeflow/evaluate"
	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/internal/allreduce"
	"github.com/hupe1980/kgeflow/internal/embedding"
	"github.com/hupe1980/kgeflow/internal/journal"
	"github.com/hupe1980/kgeflow/internal/resource"
	"github.com/hupe1980/kgeflow/internal/updater"
	"github.com/hupe1980/kgeflow/metrics"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/optim"
	"github.com/hupe1980/kgeflow/sampler"
	"github.com/hupe1980/kgeflow/score"
)

var (
	// ErrStaleness is logged once when no dense parameter is trainable.
	// Relation rows are then updated sparsely and may lag across workers.
	ErrStaleness = errors.New("no trainable dense parameters")

	// ErrRunning is returned by Run when a run is already in progress.
	ErrRunning = errors.New("trainer: already running")

	// ErrSetup is wrapped by every invalid Setup error.
	ErrSetup = errors.New("trainer: invalid setup")
)

// TestResultName is the blob the final test evaluation is written to.
const TestResultName = "test.json"

// Config holds the training knobs.
type Config struct {
	NumWorkers int
	// MaxSteps bounds the global step counter, including resumed steps.
	MaxSteps     int
	LogInterval  int
	EvalInterval int
	SaveInterval int
	Valid        bool
	Test         bool
	FilterEval   bool

	// Capacity is the resident entity rows per worker.
	Capacity        int
	SparseRelations bool
	AsyncUpdate     bool
	QueueSize       int
	MaxRetries      int

	Loss        score.Loss
	Regularizer score.Regularizer
	Dense       optim.Spec
	Sparse      optim.SparseKind
	SparseLR    float32

	Compression checkpoint.Compression
	Keep        int
	Resume      bool

	Eval     evaluate.Options
	DataMode string
}

// Setup wires the components a Trainer runs over.
type Setup struct {
	Graph *graph.Graph
	Model score.Model
	Dim   int
	Gamma float32

	// Entities is shared by every worker.
	Entities backing.Store
	// Relations is required with SparseRelations and shared by every worker.
	Relations backing.Store

	Loader dataloader.TrainConfig
	Config Config

	// Checkpoints is nil to train without checkpoints.
	Checkpoints blobstore.BlobStore
	Journal     *journal.Journal
	Resource    *resource.Controller
	Logger      *slog.Logger
	Observer    metrics.Observer
}

// Summary is the outcome of Run.
type Summary struct {
	Steps     int
	StartStep int
	LastLoss  float32
	Valid     *evaluate.Result
	Test      *evaluate.Result
}

// Trainer owns the workers of one training run.
type Trainer struct {
	cfg       Config
	graph     *graph.Graph
	model     score.Model
	dim       int
	gamma     float32
	entities  backing.Store
	relations backing.Store
	store     blobstore.BlobStore
	journal   *journal.Journal
	logger    *slog.Logger
	observer  metrics.Observer

	group     *allreduce.Group
	workers   []*worker
	epochs    int
	startStep int
	lastValid atomic.Pointer[evaluate.Result]
	running   atomic.Bool
}

// New restores the latest checkpoint when cfg.Resume is set, replays the
// journal and builds one worker per rank.
func New(ctx context.Context, s Setup) (*Trainer, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := s.Config
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}

	t := &Trainer{
		cfg:      cfg,
		graph:    s.Graph,
		model:    s.Model,
		dim:      s.Dim,
		gamma:    s.Gamma,
		entities: s.Entities,
		store:    s.Checkpoints,
		journal:  s.Journal,
		logger:   s.Logger,
		observer: metrics.OrNoop(s.Observer),
		group:    allreduce.New(cfg.NumWorkers),
		epochs:   s.Loader.NumEpochs,
	}

	var relParam *optim.Param
	if cfg.SparseRelations {
		t.relations = s.Relations
		t.logger.Warn("relations are trained sparsely", "error", ErrStaleness)
	} else {
		relParam = t.initRelations(s.Loader.Seed)
	}

	if err := t.restore(ctx, relParam); err != nil {
		return nil, err
	}

	for rank := 0; rank < cfg.NumWorkers; rank++ {
		w, err := t.newWorker(rank, s, relParam)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("worker %d: %w", rank, err)
		}
		t.workers = append(t.workers, w)
	}
	return t, nil
}

func (s *Setup) validate() error {
	switch {
	case s.Graph == nil:
		return fmt.Errorf("%w: nil graph", ErrSetup)
	case s.Model == nil:
		return fmt.Errorf("%w: nil model", ErrSetup)
	case s.Entities == nil:
		return fmt.Errorf("%w: nil entity store", ErrSetup)
	}
	if err := score.ValidateDim(s.Model, s.Dim); err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}
	if s.Entities.Dim() != s.Dim || s.Entities.Len() != int(s.Graph.NumEntities()) {
		return fmt.Errorf("%w: entity store is %dx%d, graph needs %dx%d",
			ErrSetup, s.Entities.Len(), s.Entities.Dim(), s.Graph.NumEntities(), s.Dim)
	}
	if s.Config.SparseRelations {
		if s.Relations == nil {
			return fmt.Errorf("%w: sparse relations need a relation store", ErrSetup)
		}
		relDim := s.Model.RelationDim(s.Dim)
		if s.Relations.Dim() != relDim || s.Relations.Len() != int(s.Graph.NumRelations()) {
			return fmt.Errorf("%w: relation store is %dx%d, graph needs %dx%d",
				ErrSetup, s.Relations.Len(), s.Relations.Dim(), s.Graph.NumRelations(), relDim)
		}
	}
	if s.Config.Capacity <= 0 {
		return fmt.Errorf("%w: capacity %d", ErrSetup, s.Config.Capacity)
	}
	if s.Config.MaxSteps <= 0 {
		return fmt.Errorf("%w: max steps %d", ErrSetup, s.Config.MaxSteps)
	}
	return nil
}

// initRelations draws the dense relation table every replica starts from.
func (t *Trainer) initRelations(seed int64) *optim.Param {
	relDim := t.model.RelationDim(t.dim)
	p := optim.NewParam(model.TableRelation.String(), int(t.graph.NumRelations()), relDim)
	scale := backing.InitScale(t.gamma, t.dim)
	rng := rand.New(rand.NewSource(seed + 1))
	for i := range p.Data {
		p.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	return p
}

// restore loads the latest checkpoint and replays the journal on top of it.
// Without Resume the journal is discarded.
func (t *Trainer) restore(ctx context.Context, relParam *optim.Param) error {
	if !t.cfg.Resume {
		if t.journal != nil {
			return t.journal.Truncate()
		}
		return nil
	}

	if t.store != nil {
		tgt := checkpoint.Target{
			Tables: map[string]checkpoint.RowWriter{model.TableEntity.String(): t.entities},
		}
		if t.relations != nil {
			tgt.Tables[model.TableRelation.String()] = t.relations
		}
		if relParam != nil {
			tgt.Dense = []*optim.Param{relParam}
		}
		meta, err := checkpoint.Load(ctx, t.store, 0, tgt)
		switch {
		case errors.Is(err, checkpoint.ErrNoCheckpoint):
			t.logger.Info("no checkpoint to resume from")
		case err != nil:
			return fmt.Errorf("resume: %w", err)
		default:
			t.startStep = meta.Step
			t.logger.Info("resumed", "step", meta.Step, "model", meta.Model)
		}
	}

	if t.journal != nil {
		n, err := t.journal.Replay(t.replayTrace)
		if err != nil {
			return fmt.Errorf("replay journal: %w", err)
		}
		if n > 0 {
			t.logger.Info("replayed journal", "traces", n, "path", t.journal.Path())
		}
	}
	return nil
}

func (t *Trainer) replayTrace(tr *model.Trace) error {
	var dst backing.Store
	switch {
	case tr.Table == model.TableEntity:
		dst = t.entities
	case tr.Table == model.TableRelation && t.relations != nil:
		dst = t.relations
	default:
		return fmt.Errorf("trace %d: no store for %s table", tr.Seq, tr.Table)
	}
	for i, id := range tr.Rows {
		if err := dst.Write(id, tr.Vector(i)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) newWorker(rank int, s Setup, relInit *optim.Param) (*worker, error) {
	cfg := t.cfg
	seed := s.Loader.Seed + int64(rank)
	logger := t.logger.With("rank", rank)

	smp, err := sampler.New(t.graph.NumEntities(), t.graph,
		sampler.WithSeed(seed),
		sampler.WithMaxRetries(cfg.MaxRetries),
	)
	if err != nil {
		return nil, err
	}

	lc := s.Loader
	lc.Seed = seed
	lc.Partition, lc.Partitions = rank, cfg.NumWorkers
	loader, err := dataloader.NewTrain(t.graph, smp, lc)
	if err != nil {
		return nil, err
	}

	w := &worker{
		rank:      rank,
		t:         t,
		loader:    loader,
		logger:    logger,
		step:      t.startStep,
		lastSaved: t.startStep,
		entOpt:    optim.NewSparse(cfg.Sparse, cfg.SparseLR, t.entities.Len()),
	}

	storeOpts := []embedding.Option{
		embedding.WithResourceController(s.Resource),
		embedding.WithLogger(logger),
		embedding.WithObserver(t.observer),
	}
	w.entities, err = embedding.New(t.entities, embedding.Config{Table: model.TableEntity, Capacity: cfg.Capacity}, storeOpts...)
	if err != nil {
		loader.Close()
		return nil, err
	}
	router := updater.Router{model.TableEntity: w.entities}

	if t.relations != nil {
		w.relations, err = embedding.New(t.relations, embedding.Config{Table: model.TableRelation, Capacity: t.relations.Len()}, storeOpts...)
		if err != nil {
			w.close()
			return nil, err
		}
		w.relOpt = optim.NewSparse(cfg.Sparse, cfg.SparseLR, t.relations.Len())
		router[model.TableRelation] = w.relations
	} else {
		w.relParam = optim.NewParam(relInit.Name, relInit.Shape...)
		copy(w.relParam.Data, relInit.Data)
		w.dense, err = optim.New(cfg.Dense, []*optim.Param{w.relParam})
		if err != nil {
			w.close()
			return nil, err
		}
	}

	var j updater.Journal
	if t.journal != nil {
		j = t.journal
	}
	if cfg.AsyncUpdate {
		w.async = updater.New(router, cfg.QueueSize,
			updater.WithLogger(logger),
			updater.WithObserver(t.observer),
			updater.WithResourceController(s.Resource),
			updater.WithJournal(j),
		)
		w.disp = w.async
	} else {
		w.disp = updater.NewInline(router, j)
	}
	w.entities.SetSink(w.disp)
	if w.relations != nil {
		w.relations.SetSink(w.disp)
	}
	return w, nil
}

func (w *worker) close() error {
	var errs []error
	if w.loader != nil {
		errs = append(errs, w.loader.Close())
	}
	if w.entities != nil {
		errs = append(errs, w.entities.Close())
	}
	if w.relations != nil {
		errs = append(errs, w.relations.Close())
	}
	return errors.Join(errs...)
}

// StartStep returns the step training resumes from.
func (t *Trainer) StartStep() int { return t.startStep }

// NumWorkers returns the number of ranks.
func (t *Trainer) NumWorkers() int { return len(t.workers) }

// limit returns the last step every rank can reach. With a finite number
// of epochs the smallest partition decides, so no rank waits on a barrier
// another rank never reaches.
func (t *Trainer) limit() int {
	if t.epochs <= 0 {
		return t.cfg.MaxSteps
	}
	batches := t.workers[0].loader.BatchesPerEpoch()
	for _, w := range t.workers[1:] {
		batches = min(batches, w.loader.BatchesPerEpoch())
	}
	return min(t.cfg.MaxSteps, t.startStep+batches*t.epochs)
}

// Run trains every worker until the step limit, then runs the test
// evaluation on rank 0. Dispatchers are always finished before Run returns.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	if !t.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunning
	}
	defer t.running.Store(false)

	limit := t.limit()
	t.logger.Info("training",
		"model", t.model.Name(),
		"workers", len(t.workers),
		"start_step", t.startStep,
		"max_steps", limit,
		"async_update", t.cfg.AsyncUpdate,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range t.workers {
		g.Go(func() error { return w.run(gctx, limit) })
	}
	err := g.Wait()

	lead := t.workers[0]
	sum := Summary{
		Steps:     lead.step,
		StartStep: t.startStep,
		LastLoss:  lead.lastLoss,
		Valid:     t.lastValid.Load(),
	}
	if err != nil {
		return sum, err
	}

	if t.cfg.Test {
		res, err := t.evaluateSplit(ctx, "test", t.graph.Test())
		if err != nil {
			return sum, err
		}
		sum.Test = res
		if res != nil && t.store != nil {
			data, err := res.Marshal()
			if err != nil {
				return sum, err
			}
			if err := t.store.Put(ctx, TestResultName, data); err != nil {
				return sum, fmt.Errorf("write %s: %w", TestResultName, err)
			}
		}
	}
	return sum, nil
}

// evaluateSplit ranks triples through rank 0's embedding stores. Callers
// flush and drain every rank first. An empty split is skipped.
func (t *Trainer) evaluateSplit(ctx context.Context, split string, triples []model.Triple) (*evaluate.Result, error) {
	if len(triples) == 0 {
		t.logger.Warn("skipping evaluation of empty split", "split", split)
		return nil, nil
	}

	w := t.workers[0]
	src := evaluate.Source{Entities: w.entities}
	if w.relations != nil {
		src.Relations = w.relations
	} else {
		src.Relations = paramTable{w.relParam}
	}
	var filter evaluate.Filter
	if t.cfg.FilterEval {
		filter = t.graph
	}
	opts := t.cfg.Eval
	opts.DataMode = split

	start := time.Now()
	res, err := evaluate.Run(ctx, src, t.model, triples, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", split, err)
	}
	m := res.Average
	t.logger.Info("evaluation",
		"split", split,
		"step", t.workers[0].step,
		"mrr", m.MRR,
		"mr", m.MR,
		"hits@1", m.Hits1,
		"hits@3", m.Hits3,
		"hits@10", m.Hits10,
		"duration", time.Since(start),
	)
	t.observer.OnEvaluation(split, metrics.EvalSample{
		MRR: m.MRR, MR: m.MR, Hits1: m.Hits1, Hits3: m.Hits3, Hits10: m.Hits10,
	})
	if split == "valid" {
		t.lastValid.Store(&res)
	}
	return &res, nil
}

// checkpoint saves step from rank 0's embedding stores and relParam, prunes
// old steps and truncates the journal. Callers flush and drain every rank
// first.
func (t *Trainer) checkpoint(ctx context.Context, step int, relParam *optim.Param) error {
	start := time.Now()
	st := checkpoint.State{
		Step:   step,
		Model:  t.model.Name(),
		Dim:    t.dim,
		Gamma:  t.gamma,
		Tables: map[string]checkpoint.Table{model.TableEntity.String(): t.workers[0].entities},
		Attributes: map[string]string{
			"workers":          strconv.Itoa(len(t.workers)),
			"sparse_relations": strconv.FormatBool(t.relations != nil),
			"data_mode":        t.cfg.DataMode,
		},
	}
	if rels := t.workers[0].relations; rels != nil {
		st.Tables[model.TableRelation.String()] = rels
	}
	if relParam != nil {
		st.Dense = []*optim.Param{relParam}
	}

	meta, err := checkpoint.Save(ctx, t.store, st, checkpoint.Options{Compression: t.cfg.Compression})
	t.observer.OnCheckpoint(step, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("checkpoint step %d: %w", step, err)
	}
	t.logger.Info("checkpoint",
		"step", step,
		"dir", checkpoint.StepDir(step),
		"compression", meta.Compression,
		"duration", time.Since(start),
	)

	if t.cfg.Keep > 0 {
		pruned, err := checkpoint.Prune(ctx, t.store, t.cfg.Keep)
		if err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
		if len(pruned) > 0 {
			t.logger.Debug("pruned checkpoints", "steps", pruned)
		}
	}
	if t.journal != nil {
		if err := t.journal.Truncate(); err != nil {
			return fmt.Errorf("truncate journal: %w", err)
		}
	}
	return nil
}

// Close stops the loaders and releases the resident windows. Backing
// stores, the journal and the checkpoint store belong to the caller.
func (t *Trainer) Close() error {
	var errs []error
	for _, w := range t.workers {
		errs = append(errs, w.close())
	}
	return errors.Join(errs...)
}

// paramTable exposes a dense 2-D parameter as a read-only table.
type paramTable struct {
	p *optim.Param
}

func (t paramTable) Dim() int { return t.p.Shape[1] }
func (t paramTable) Len() int { return t.p.Shape[0] }

func (t paramTable) Lookup(id model.RowID, dst []float32) error {
	if int(id) >= t.Len() {
		return fmt.Errorf("%w: %s row %d", backing.ErrOutOfRange, t.p.Name, id)
	}
	if len(dst) < t.Dim() {
		return fmt.Errorf("%w: buffer %d < dim %d", backing.ErrDimensionMismatch, len(dst), t.Dim())
	}
	copy(dst, t.p.Row(int(id)))
	return nil
}
