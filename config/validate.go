package config

import (
	"errors"

	"github.com/hupe1980/kgeflow/checkpoint"
	"github.com/hupe1980/kgeflow/internal/journal"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/optim"
	"github.com/hupe1980/kgeflow/score"
)

// Validate checks every section and joins all field errors. Each wraps
// ErrInvalid.
func (c *Config) Validate() error {
	var v validator

	c.validateData(&v)
	c.validateModel(&v)
	c.validateTrain(&v)
	c.validateOptimizer(&v)
	c.validateEmbedding(&v)
	c.validateJournal(&v)
	c.validateCheckpoint(&v)
	c.validateAmbient(&v)

	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) check(ok bool, field string, value any, reason string) {
	if !ok {
		v.errs = append(v.errs, &FieldError{Field: field, Value: value, Reason: reason})
	}
}

func (v *validator) parse(err error, field string, value any) {
	if err != nil {
		v.errs = append(v.errs, &FieldError{Field: field, Value: value, Reason: err.Error()})
	}
}

func oneOf(s string, allowed ...string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func (c *Config) validateData(v *validator) {
	v.check(c.Data.Path != "", "data.path", c.Data.Path, "required")
	v.check(oneOf(c.Data.Format, "names", "ids"), "data.format", c.Data.Format, `must be "names" or "ids"`)
}

func (c *Config) validateModel(v *validator) {
	m := c.Model
	sm, err := score.New(m.Name, m.Gamma)
	v.parse(err, "model.name", m.Name)
	if err == nil {
		v.parse(score.ValidateDim(sm, m.Dim), "model.dim", m.Dim)
	}
	_, err = score.ParseLossKind(m.Loss)
	v.parse(err, "model.loss", m.Loss)
	v.check(!m.Adversarial || m.Temperature > 0, "model.temperature", m.Temperature, "must be positive with adversarial sampling")
	v.check(m.RegCoef >= 0, "model.reg_coef", m.RegCoef, "must not be negative")
	v.check(m.RegNorm >= 1 && m.RegNorm <= 3, "model.reg_norm", m.RegNorm, "must be 1, 2 or 3")
}

func (c *Config) validateTrain(v *validator) {
	t := c.Train
	v.check(t.BatchSize > 0, "train.batch_size", t.BatchSize, "must be positive")
	v.check(t.NegSize > 0, "train.neg_size", t.NegSize, "must be positive")
	v.check(t.MaxSteps > 0, "train.max_steps", t.MaxSteps, "must be positive")
	v.check(t.MaxRetries >= 0, "train.max_retries", t.MaxRetries, "must not be negative")
	v.check(len(t.Modes) > 0, "train.modes", t.Modes, "at least one corruption mode")
	for _, s := range t.Modes {
		_, err := model.ParseMode(s)
		v.parse(err, "train.modes", s)
	}
	v.check(t.LogInterval > 0, "train.log_interval", t.LogInterval, "must be positive")
	v.check(t.EvalInterval >= 0, "train.eval_interval", t.EvalInterval, "must not be negative")
	v.check(t.SaveInterval >= 0, "train.save_interval", t.SaveInterval, "must not be negative")
	v.check(t.NumWorkers >= 1, "train.num_workers", t.NumWorkers, "must be at least 1")
	v.check(t.LoaderDepth >= 1, "train.loader_depth", t.LoaderDepth, "must be at least 1")
}

func (c *Config) validateOptimizer(v *validator) {
	o := c.Optimizer
	_, err := optim.ParseKind(o.Dense)
	v.parse(err, "optimizer.dense", o.Dense)
	v.check(o.LR > 0, "optimizer.lr", o.LR, "must be positive")
	_, err = optim.ParseSparseKind(o.Sparse)
	v.parse(err, "optimizer.sparse", o.Sparse)
	v.check(o.SparseLR > 0, "optimizer.sparse_lr", o.SparseLR, "must be positive")
}

func (c *Config) validateEmbedding(v *validator) {
	e := c.Embedding
	v.check(e.Capacity > 0, "embedding.capacity", e.Capacity, "must be positive")
	v.check(oneOf(e.Backing, "memory", "mmap", "badger"), "embedding.backing", e.Backing, `must be "memory", "mmap" or "badger"`)
	if e.Backing == "mmap" || e.Backing == "badger" {
		v.check(e.Path != "" || e.SharedPath != "", "embedding.path", e.Path, "required for "+e.Backing)
	}
	v.check(e.SharedPath == "" || e.Backing == "mmap", "embedding.shared_path", e.SharedPath, "requires the mmap backing")
	v.check(!e.AsyncUpdate || e.QueueSize > 0, "embedding.queue_size", e.QueueSize, "must be positive with async updates")
	v.check(e.MemoryBudget >= 0, "embedding.memory_budget", e.MemoryBudget, "must not be negative")
	v.check(e.FlushRate >= 0, "embedding.flush_rate", e.FlushRate, "must not be negative")
	v.check(e.FlushWorkers >= 1, "embedding.flush_workers", e.FlushWorkers, "must be at least 1")
}

func (c *Config) validateJournal(v *validator) {
	j := c.Journal
	if !j.Enabled {
		return
	}
	v.check(j.Path != "", "journal.path", j.Path, "required when the journal is enabled")
	_, err := journal.ParseDurability(j.Durability)
	v.parse(err, "journal.durability", j.Durability)
}

func (c *Config) validateCheckpoint(v *validator) {
	cp := c.Checkpoint
	v.check(oneOf(cp.Store, "local", "s3", "minio"), "checkpoint.store", cp.Store, `must be "local", "s3" or "minio"`)
	_, err := checkpoint.ParseCompression(cp.Compression)
	v.parse(err, "checkpoint.compression", cp.Compression)
	v.check(cp.Keep >= 1, "checkpoint.keep", cp.Keep, "must be at least 1")
	switch cp.Store {
	case "local":
		v.check(cp.Path != "", "checkpoint.path", cp.Path, "required")
	case "s3":
		v.check(cp.S3.Bucket != "", "checkpoint.s3.bucket", cp.S3.Bucket, "required")
	case "minio":
		v.check(cp.MinIO.Endpoint != "", "checkpoint.minio.endpoint", cp.MinIO.Endpoint, "required")
		v.check(cp.MinIO.Bucket != "", "checkpoint.minio.bucket", cp.MinIO.Bucket, "required")
	}
}

func (c *Config) validateAmbient(v *validator) {
	v.check(c.Eval.Concurrency >= 1, "eval.concurrency", c.Eval.Concurrency, "must be at least 1")
	v.check(c.Eval.ChunkSize >= 1, "eval.chunk_size", c.Eval.ChunkSize, "must be at least 1")
	v.check(c.Eval.BlockSize >= 1, "eval.block_size", c.Eval.BlockSize, "must be at least 1")
	v.check(oneOf(c.Logging.Level, "debug", "info", "warn", "error"), "logging.level", c.Logging.Level, "unknown level")
	v.check(oneOf(c.Logging.Format, "text", "json"), "logging.format", c.Logging.Format, `must be "text" or "json"`)
	v.check(!c.Metrics.Enabled || c.Metrics.Addr != "", "metrics.addr", c.Metrics.Addr, "required when metrics are enabled")
}
