package kgeflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kgeflow/backing"
	"github.com/hupe1980/kgeflow/blobstore"
	"github.com/hupe1980/kgeflow/checkpoint"
	"github.com/hupe1980/kgeflow/config"
	"github.com/hupe1980/kgeflow/evaluate"
	"github.com/hupe1980/kgeflow/graph"
	"github.com/hupe1980/kgeflow/internal/embedding"
	"github.com/hupe1980/kgeflow/internal/resource"
	"github.com/hupe1980/kgeflow/internal/trainer"
	"github.com/hupe1980/kgeflow/metrics"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/testutil"
)

var spec = testutil.GraphSpec{Entities: 20, Relations: 4, Train: 100, Valid: 10, Test: 10}

// writeDataset writes a names-format dataset and returns its directory.
func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	all := testutil.NewRNG(11).Triples(spec, spec.Train+spec.Valid+spec.Test)
	splits := map[string][]model.Triple{
		graph.TrainFile: all[:spec.Train],
		graph.ValidFile: all[spec.Train : spec.Train+spec.Valid],
		graph.TestFile:  all[spec.Train+spec.Valid:],
	}
	for name, triples := range splits {
		var sb strings.Builder
		for _, tr := range triples {
			fmt.Fprintf(&sb, "e%d\tr%d\te%d\n", tr.Head, tr.Relation, tr.Tail)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sb.String()), 0o644))
	}
	return dir
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Data.Path = dataDir
	cfg.Model.Dim = 8
	cfg.Train.BatchSize = 10
	cfg.Train.NegSize = 4
	cfg.Train.MaxSteps = 6
	cfg.Train.LogInterval = 2
	cfg.Train.SaveInterval = 3
	cfg.Train.Modes = []string{"tail"}
	cfg.Embedding.Capacity = 64
	cfg.Checkpoint.Path = t.TempDir()
	return cfg
}

func TestTrainer_FromDirectory(t *testing.T) {
	cfg := testConfig(t, writeDataset(t))
	cfg.Train.Test = true
	obs := NewBasicMetrics()

	tr, err := New(context.Background(), cfg, WithObserver(obs))
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, uint32(spec.Relations), tr.Graph().NumRelations())

	sum, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Steps)
	assert.Positive(t, sum.Duration)
	require.NotNil(t, sum.Test)

	res, err := evaluate.ReadResult(filepath.Join(cfg.Checkpoint.Path, trainer.TestResultName))
	require.NoError(t, err)
	assert.InDelta(t, sum.Test.Average.MRR, res.Average.MRR, 1e-6)
	assert.Equal(t, sum.Test.Triples, res.Triples)

	steps, err := checkpoint.Steps(context.Background(), blobstore.NewLocalStore(cfg.Checkpoint.Path))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6}, steps)
	assert.Equal(t, int64(6), obs.GetStats().StepCount)
}

func TestTrainer_MmapResume(t *testing.T) {
	data := writeDataset(t)
	cfg := testConfig(t, data)
	cfg.Embedding.Backing = "mmap"
	cfg.Embedding.Path = t.TempDir()
	cfg.Embedding.AsyncUpdate = false
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "traces.journal")

	first, err := New(context.Background(), cfg)
	require.NoError(t, err)
	_, err = first.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Close())
	assert.FileExists(t, filepath.Join(cfg.Embedding.Path, "entity.tbl"))

	cfg.Checkpoint.Resume = true
	cfg.Train.MaxSteps = 9
	second, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, 6, second.StartStep())

	sum, err := second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, sum.Steps)
}

func TestTrainer_BadgerSparseRelations(t *testing.T) {
	cfg := testConfig(t, writeDataset(t))
	cfg.Embedding.Backing = "badger"
	cfg.Embedding.Path = t.TempDir()
	cfg.Model.SparseRelations = true
	cfg.Model.Name = "DistMult"
	cfg.Train.SaveInterval = 0

	tr, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer tr.Close()

	sum, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Steps)
	assert.DirExists(t, filepath.Join(cfg.Embedding.Path, "relation"))
}

func TestTrainer_InjectedStores(t *testing.T) {
	g := testutil.Graph(t, testutil.NewRNG(5), spec)
	ents := backing.NewMemoryStore(spec.Entities, 8)
	require.NoError(t, backing.Initialize(ents, 1, 0.1))
	store := blobstore.NewMemoryStore()

	cfg := testConfig(t, "unused")
	cfg.Checkpoint.Store = "minio"
	cfg.Checkpoint.MinIO.Endpoint = "localhost:9000"
	cfg.Checkpoint.MinIO.Bucket = "ckpt"

	tr, err := New(context.Background(), cfg, WithGraph(g), WithEntityStore(ents), WithCheckpointStore(store))
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	latest, err := checkpoint.Latest(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 6, latest)

	// Injected stores stay open.
	require.NoError(t, ents.Read(0, make([]float32, 8)))
}

func TestNew_Errors(t *testing.T) {
	data := writeDataset(t)

	t.Run("config", func(t *testing.T) {
		cfg := testConfig(t, data)
		cfg.Model.Name = "RotatE"
		_, err := New(context.Background(), cfg)
		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "model.name", ce.Field)
		assert.ErrorIs(t, err, config.ErrInvalid)
	})

	t.Run("remote store without client", func(t *testing.T) {
		cfg := testConfig(t, data)
		cfg.Checkpoint.Store = "s3"
		cfg.Checkpoint.S3.Bucket = "ckpt"
		_, err := New(context.Background(), cfg)
		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "checkpoint.store", ce.Field)
	})

	t.Run("missing train split", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		_, err := New(context.Background(), cfg)
		var de *DataError
		require.ErrorAs(t, err, &de)
		assert.ErrorIs(t, err, graph.ErrMissingSplit)
	})

	t.Run("memory budget", func(t *testing.T) {
		cfg := testConfig(t, data)
		cfg.Embedding.MemoryBudget = 16
		_, err := New(context.Background(), cfg)
		var ke *CapacityError
		require.ErrorAs(t, err, &ke)
		assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
	})
}

func TestRun_CapacityError(t *testing.T) {
	cfg := testConfig(t, writeDataset(t))
	cfg.Embedding.Capacity = 3
	tr, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Run(context.Background())
	var ke *CapacityError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "entity", ke.Table)
	assert.Equal(t, 3, ke.Capacity)
	assert.Greater(t, ke.Requested, 3)
}

func TestRun_AfterClose(t *testing.T) {
	tr, err := New(context.Background(), testConfig(t, writeDataset(t)))
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.Run(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{"nil", nil, func(t *testing.T, err error) { assert.NoError(t, err) }},
		{"field", &config.FieldError{Field: "train.batch_size", Value: 0, Reason: "must be positive"}, func(t *testing.T, err error) {
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "train.batch_size", ce.Field)
			assert.ErrorIs(t, err, config.ErrInvalid)
		}},
		{"mode", fmt.Errorf("parse: %w", model.ErrInvalidMode), func(t *testing.T, err error) {
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
		}},
		{"data", fmt.Errorf("load: %w", graph.ErrIDOutOfRange), func(t *testing.T, err error) {
			var de *DataError
			require.ErrorAs(t, err, &de)
		}},
		{"capacity", &embedding.CapacityError{Table: model.TableEntity, Requested: 9, Capacity: 4}, func(t *testing.T, err error) {
			var ke *CapacityError
			require.ErrorAs(t, err, &ke)
			assert.Equal(t, 9, ke.Requested)
			assert.Contains(t, err.Error(), "entity table needs 9")
		}},
		{"passthrough", context.Canceled, func(t *testing.T, err error) {
			assert.Same(t, context.Canceled, err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, translateError(tt.err))
		})
	}

	// Translation is idempotent.
	once := translateError(graph.ErrMissingSplit)
	assert.Same(t, once, translateError(once))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerFromConfig(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	obs := metrics.NewBasic()
	lo := logObserver{logger: l, next: obs}
	lo.OnPrefetch("entity", 1, 2, 3, 1)
	lo.OnTraceApplied("entity", 4, time.Millisecond, errors.New("disk full"))
	lo.OnCheckpoint(10, time.Second, errors.New("bucket gone"))
	lo.OnStep(metrics.StepSample{Step: 1})

	out := buf.String()
	assert.Contains(t, out, `"msg":"resident rows evicted"`)
	assert.Contains(t, out, `"msg":"trace apply failed"`)
	assert.Contains(t, out, `"msg":"checkpoint failed"`)
	assert.Equal(t, int64(1), obs.GetStats().StepCount)
	assert.Equal(t, int64(1), obs.GetStats().CheckpointErrors)

	buf.Reset()
	l.LogSummary(context.Background(), Summary{Steps: 5}, nil)
	assert.Contains(t, buf.String(), `"msg":"training completed"`)
	assert.Contains(t, buf.String(), `"steps":5`)
}

func TestLogger_LevelFromConfig(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerFromConfig(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	assert.Equal(t, "INFO", parseLevel("bogus").String())
	NoopLogger().Error("discarded")
}
