package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kgeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
data:
  path: /data/fb15k
  name: FB15k
model:
  name: DistMult
  dim: 64
train:
  batch_size: 512
  modes: [tail]
  filter_sample: true
journal:
  enabled: true
  path: /tmp/kge.journal
  durability: sync
checkpoint:
  compression: lz4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/fb15k", cfg.Data.Path)
	assert.Equal(t, "DistMult", cfg.Model.Name)
	assert.Equal(t, 64, cfg.Model.Dim)
	assert.Equal(t, float32(12), cfg.Model.Gamma, "unset keys keep defaults")
	assert.Equal(t, 512, cfg.Train.BatchSize)
	assert.Equal(t, []string{"tail"}, cfg.Train.Modes)
	assert.True(t, cfg.Train.FilterSample)
	assert.Equal(t, "sync", cfg.Journal.Durability)
	assert.Equal(t, "lz4", cfg.Checkpoint.Compression)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeYAML(t, `
train:
  batch_size: 512
`)
	t.Setenv("KGEFLOW_TRAIN__BATCH_SIZE", "256")
	t.Setenv("KGEFLOW_TRAIN__MODES", "head, tail")
	t.Setenv("KGEFLOW_OPTIMIZER__DENSE", "adagrad")
	t.Setenv("KGEFLOW_CHECKPOINT__S3__BUCKET", "ckpts")
	t.Setenv("KGEFLOW_CHECKPOINT__STORE", "s3")
	t.Setenv("KGEFLOW_EMBEDDING__ASYNC_UPDATE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Train.BatchSize)
	assert.Equal(t, []string{"head", "tail"}, cfg.Train.Modes)
	assert.Equal(t, "adagrad", cfg.Optimizer.Dense)
	assert.Equal(t, "s3", cfg.Checkpoint.Store)
	assert.Equal(t, "ckpts", cfg.Checkpoint.S3.Bucket)
	assert.False(t, cfg.Embedding.AsyncUpdate)
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeYAML(t, "model:\n  dim: 32\n")
	t.Setenv(PathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Model.Dim)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidFromEnv(t *testing.T) {
	t.Setenv("KGEFLOW_OPTIMIZER__DENSE", "rmsprop")
	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)

	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "optimizer.dense", fe.Field)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"model", func(c *Config) { c.Model.Name = "RotatE" }, "model.name"},
		{"odd complex dim", func(c *Config) { c.Model.Name = "ComplEx"; c.Model.Dim = 7 }, "model.dim"},
		{"loss", func(c *Config) { c.Model.Loss = "mse" }, "model.loss"},
		{"batch", func(c *Config) { c.Train.BatchSize = 0 }, "train.batch_size"},
		{"mode", func(c *Config) { c.Train.Modes = []string{"relation"} }, "train.modes"},
		{"sparse", func(c *Config) { c.Optimizer.Sparse = "adam" }, "optimizer.sparse"},
		{"backing", func(c *Config) { c.Embedding.Backing = "redis" }, "embedding.backing"},
		{"mmap path", func(c *Config) { c.Embedding.Backing = "mmap" }, "embedding.path"},
		{"shared path", func(c *Config) { c.Embedding.SharedPath = "/dev/shm/ent" }, "embedding.shared_path"},
		{"journal", func(c *Config) { c.Journal.Enabled = true }, "journal.path"},
		{"compression", func(c *Config) { c.Checkpoint.Compression = "gzip" }, "checkpoint.compression"},
		{"minio", func(c *Config) { c.Checkpoint.Store = "minio" }, "checkpoint.minio.endpoint"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"eval block", func(c *Config) { c.Eval.BlockSize = 0 }, "eval.block_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)

			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Train.BatchSize = -1
	cfg.Train.NegSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train.batch_size")
	assert.Contains(t, err.Error(), "train.neg_size")
}
