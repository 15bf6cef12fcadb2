package kgeflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/kgeflow/backing"
	badgerstore "github.com/hupe1980/kgeflow/backing/badger"
	"github.com/hupe1980/kgeflow/blobstore"
	"github.com/hupe1980/kgeflow/checkpoint"
	"github.com/hupe1980/kgeflow/config"
	"github.com/hupe1980/kgeflow/dataloader"
	"github.com/hupe1980/kgeflow/evaluate"
	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/internal/journal"
	"github.com/hupe1980/kgeflow/internal/resource"
	"github.com/hupe1980/kgeflow/internal/trainer"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/optim"
	"github.com/hupe1980/kgeflow/score"
)

// Summary is the outcome of Run.
type Summary struct {
	// StartStep is the step a resumed run started from.
	StartStep int
	Steps     int
	LastLoss  float32
	Duration  time.Duration
	// Valid is the last validation result, if any.
	Valid *evaluate.Result
	// Test is the final test result when config.Train.Test is set.
	Test *evaluate.Result
}

// Trainer trains a knowledge-graph embedding model whose embedding tables
// live in backing stores, with only a resident window per worker in memory.
type Trainer struct {
	cfg    *config.Config
	logger *Logger
	graph  *graph.Graph
	model  score.Model
	inner  *trainer.Trainer

	entities  backing.Store
	relations backing.Store
	owned     []backing.Store
	journal   *journal.Journal

	mu     sync.Mutex
	closed bool
}

// New builds a Trainer from cfg. A nil cfg uses config.Default().
//
// The graph is loaded from cfg.Data unless WithGraph is given, and backing
// stores are opened from cfg.Embedding unless WithEntityStore or
// WithRelationStore is given. Fresh stores are initialized uniformly.
// When cfg.Checkpoint.Resume is set, the latest checkpoint is restored and
// the journal replayed on top of it.
func New(ctx context.Context, cfg *config.Config, optFns ...Option) (*Trainer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, translateError(err)
	}
	o := applyOptions(optFns)

	t := &Trainer{cfg: cfg, logger: o.logger}
	if err := t.open(ctx, o); err != nil {
		_ = t.Close()
		return nil, translateError(err)
	}
	return t, nil
}

func (t *Trainer) open(ctx context.Context, o options) error {
	cfg := t.cfg

	m, err := score.New(cfg.Model.Name, cfg.Model.Gamma)
	if err != nil {
		return err
	}
	t.model = m

	t.graph = o.graph
	if t.graph == nil {
		if t.graph, err = loadGraph(cfg.Data); err != nil {
			return err
		}
	}
	t.logger.LogGraph(ctx, cfg.Data.Path, t.graph)

	rc := resource.NewController(resource.Config{
		ResidentLimitBytes: cfg.Embedding.MemoryBudget,
		FlushBytesPerSec:   cfg.Embedding.FlushRate,
		MaxFlushWorkers:    int64(cfg.Embedding.FlushWorkers),
	})

	scale := backing.InitScale(cfg.Model.Gamma, cfg.Model.Dim)
	t.entities = o.entityStore
	if t.entities == nil {
		s, err := t.openBacking(model.TableEntity, int(t.graph.NumEntities()), cfg.Model.Dim, cfg.Train.Seed, scale)
		if err != nil {
			return err
		}
		t.entities = s
	}
	if cfg.Model.SparseRelations {
		t.relations = o.relationStore
		if t.relations == nil {
			relDim := m.RelationDim(cfg.Model.Dim)
			s, err := t.openBacking(model.TableRelation, int(t.graph.NumRelations()), relDim, cfg.Train.Seed+1, scale)
			if err != nil {
				return err
			}
			t.relations = s
		}
	}

	if cfg.Journal.Enabled {
		d, err := journal.ParseDurability(cfg.Journal.Durability)
		if err != nil {
			return err
		}
		if t.journal, err = journal.Open(cfg.Journal.Path, journal.Options{Durability: d}); err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
	}

	store, err := checkpointStore(cfg.Checkpoint, o.checkpointStore)
	if err != nil {
		return err
	}

	setup, err := t.setup(store, rc, o)
	if err != nil {
		return err
	}
	t.inner, err = trainer.New(ctx, setup)
	return err
}

func loadGraph(cfg config.DataConfig) (*graph.Graph, error) {
	format, err := graph.ParseFormat(cfg.Format)
	if err != nil {
		return nil, &ConfigError{Field: "data.format", Value: cfg.Format, cause: err}
	}
	dir := cfg.Path
	if cfg.Name != "" {
		dir = filepath.Join(dir, cfg.Name)
	}
	return graph.LoadDir(dir, graph.WithFormat(format))
}

// openBacking opens the store config.Embedding describes and initializes it
// when it holds no rows yet.
func (t *Trainer) openBacking(table model.Table, rows, dim int, seed int64, scale float32) (backing.Store, error) {
	ec := t.cfg.Embedding
	var (
		s     backing.Store
		fresh = true
	)
	switch ec.Backing {
	case "memory":
		s = backing.NewMemoryStore(rows, dim)
	case "mmap":
		path := tablePath(ec, table)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		ms, err := backing.OpenMmap(path, rows, dim)
		if err != nil {
			return nil, fmt.Errorf("open %s table: %w", table, err)
		}
		s, fresh = ms, ms.Fresh()
	case "badger":
		bs, err := badgerstore.Open(filepath.Join(ec.Path, table.String()), rows, dim)
		if err != nil {
			return nil, fmt.Errorf("open %s table: %w", table, err)
		}
		s, fresh = bs, bs.Fresh()
	default:
		return nil, &ConfigError{Field: "embedding.backing", Value: ec.Backing, cause: config.ErrInvalid}
	}
	t.owned = append(t.owned, s)

	if fresh {
		if err := backing.Initialize(s, seed, scale); err != nil {
			return nil, fmt.Errorf("initialize %s table: %w", table, err)
		}
	}
	return s, nil
}

// tablePath places the entity table at SharedPath when set, so every
// process mapping it shares rows.
func tablePath(ec config.EmbeddingConfig, table model.Table) string {
	if ec.SharedPath != "" {
		if table == model.TableEntity {
			return ec.SharedPath
		}
		if ec.Path == "" {
			return filepath.Join(filepath.Dir(ec.SharedPath), table.String()+".tbl")
		}
	}
	return filepath.Join(ec.Path, table.String()+".tbl")
}

func checkpointStore(cfg config.CheckpointConfig, given blobstore.BlobStore) (blobstore.BlobStore, error) {
	if given != nil {
		return given, nil
	}
	if cfg.Store == "local" {
		return blobstore.NewLocalStore(cfg.Path), nil
	}
	return nil, &ConfigError{
		Field: "checkpoint.store",
		Value: cfg.Store,
		cause: fmt.Errorf("%w: %s store needs WithCheckpointStore", config.ErrInvalid, cfg.Store),
	}
}

func (t *Trainer) setup(store blobstore.BlobStore, rc *resource.Controller, o options) (trainer.Setup, error) {
	cfg := t.cfg

	lossKind, err := score.ParseLossKind(cfg.Model.Loss)
	if err != nil {
		return trainer.Setup{}, err
	}
	denseKind, err := optim.ParseKind(cfg.Optimizer.Dense)
	if err != nil {
		return trainer.Setup{}, err
	}
	sparseKind, err := optim.ParseSparseKind(cfg.Optimizer.Sparse)
	if err != nil {
		return trainer.Setup{}, err
	}
	compression, err := checkpoint.ParseCompression(cfg.Checkpoint.Compression)
	if err != nil {
		return trainer.Setup{}, err
	}
	modes := make([]model.CorruptionMode, 0, len(cfg.Train.Modes))
	for _, s := range cfg.Train.Modes {
		m, err := model.ParseMode(s)
		if err != nil {
			return trainer.Setup{}, err
		}
		modes = append(modes, m)
	}

	return trainer.Setup{
		Graph:     t.graph,
		Model:     t.model,
		Dim:       cfg.Model.Dim,
		Gamma:     cfg.Model.Gamma,
		Entities:  t.entities,
		Relations: t.relations,
		Loader: dataloader.TrainConfig{
			BatchSize:    cfg.Train.BatchSize,
			NegSize:      cfg.Train.NegSize,
			NumEpochs:    cfg.Train.NumEpochs,
			Seed:         cfg.Train.Seed,
			FilterSample: cfg.Train.FilterSample,
			SampleWeight: cfg.Train.SampleWeight,
			Depth:        cfg.Train.LoaderDepth,
			Modes:        modes,
		},
		Config: trainer.Config{
			NumWorkers:      cfg.Train.NumWorkers,
			MaxSteps:        cfg.Train.MaxSteps,
			LogInterval:     cfg.Train.LogInterval,
			EvalInterval:    cfg.Train.EvalInterval,
			SaveInterval:    cfg.Train.SaveInterval,
			Valid:           cfg.Train.Valid,
			Test:            cfg.Train.Test,
			FilterEval:      cfg.Train.FilterEval,
			Capacity:        cfg.Embedding.Capacity,
			SparseRelations: cfg.Model.SparseRelations,
			AsyncUpdate:     cfg.Embedding.AsyncUpdate,
			QueueSize:       cfg.Embedding.QueueSize,
			MaxRetries:      cfg.Train.MaxRetries,
			Loss: score.Loss{
				Kind:        lossKind,
				Pairwise:    cfg.Model.Pairwise,
				Margin:      cfg.Model.Margin,
				Adversarial: cfg.Model.Adversarial,
				Temperature: cfg.Model.Temperature,
			},
			Regularizer: score.Regularizer{Coef: cfg.Model.RegCoef, Norm: cfg.Model.RegNorm},
			Dense:       optim.DefaultSpec(denseKind, cfg.Optimizer.LR),
			Sparse:      sparseKind,
			SparseLR:    cfg.Optimizer.SparseLR,
			Compression: compression,
			Keep:        cfg.Checkpoint.Keep,
			Resume:      cfg.Checkpoint.Resume,
			Eval: evaluate.Options{
				Concurrency: cfg.Eval.Concurrency,
				ChunkSize:   cfg.Eval.ChunkSize,
				BlockSize:   cfg.Eval.BlockSize,
			},
			DataMode: cfg.Data.Mode,
		},
		Checkpoints: store,
		Journal:     t.journal,
		Resource:    rc,
		Logger:      t.logger.Logger,
		Observer:    logObserver{logger: t.logger, next: o.observer},
	}, nil
}

// Graph returns the graph being trained on.
func (t *Trainer) Graph() *graph.Graph { return t.graph }

// StartStep returns the step training resumes from.
func (t *Trainer) StartStep() int { return t.inner.StartStep() }

// Run trains until config.Train.MaxSteps or the last epoch, then runs the
// test evaluation when configured. Canceling ctx stops training after
// queued updates are applied.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return Summary{}, ErrClosed
	}

	start := time.Now()
	res, err := t.inner.Run(ctx)
	sum := Summary{
		StartStep: res.StartStep,
		Steps:     res.Steps,
		LastLoss:  res.LastLoss,
		Duration:  time.Since(start),
		Valid:     res.Valid,
		Test:      res.Test,
	}

	var errs []error
	errs = append(errs, err)
	for _, s := range t.owned {
		errs = append(errs, s.Sync())
	}
	err = translateError(errors.Join(errs...))
	t.logger.LogSummary(ctx, sum, err)
	return sum, err
}

// Close stops the workers and closes the stores and the journal New opened.
// Stores passed through options stay open.
func (t *Trainer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.inner != nil {
		errs = append(errs, t.inner.Close())
	}
	for i := len(t.owned) - 1; i >= 0; i-- {
		errs = append(errs, t.owned[i].Close())
	}
	if t.journal != nil {
		errs = append(errs, t.journal.Close())
	}
	return errors.Join(errs...)
}
