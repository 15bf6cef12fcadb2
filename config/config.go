// Package config loads training configuration from struct defaults, an
// optional YAML file and KGEFLOW_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid value")

// FieldError reports one invalid field.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalid }

// Config is the complete training configuration.
type Config struct {
	Data       DataConfig       `koanf:"data"`
	Model      ModelConfig      `koanf:"model"`
	Train      TrainConfig      `koanf:"train"`
	Optimizer  OptimizerConfig  `koanf:"optimizer"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	Journal    JournalConfig    `koanf:"journal"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Eval       EvalConfig       `koanf:"eval"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// DataConfig locates the triple splits.
type DataConfig struct {
	Path string `koanf:"path"`
	Name string `koanf:"name"`
	// Format is "names" (string triples) or "ids" (numeric triples plus dicts).
	Format string `koanf:"format"`
	// Mode is a label carried into evaluation results.
	Mode string `koanf:"mode"`
}

// ModelConfig selects the scoring model and loss.
type ModelConfig struct {
	Name        string  `koanf:"name"`
	Dim         int     `koanf:"dim"`
	Gamma       float32 `koanf:"gamma"`
	Loss        string  `koanf:"loss"`
	Pairwise    bool    `koanf:"pairwise"`
	Margin      float32 `koanf:"margin"`
	Adversarial bool    `koanf:"adversarial"`
	Temperature float32 `koanf:"temperature"`
	RegCoef     float32 `koanf:"reg_coef"`
	RegNorm     int     `koanf:"reg_norm"`
	// SparseRelations keeps relation rows in an embedding store instead of
	// a dense parameter.
	SparseRelations bool `koanf:"sparse_relations"`
}

// TrainConfig controls the step loop.
type TrainConfig struct {
	BatchSize    int      `koanf:"batch_size"`
	NegSize      int      `koanf:"neg_size"`
	NumEpochs    int      `koanf:"num_epochs"`
	MaxSteps     int      `koanf:"max_steps"`
	Seed         int64    `koanf:"seed"`
	FilterSample bool     `koanf:"filter_sample"`
	SampleWeight bool     `koanf:"sample_weight"`
	MaxRetries   int      `koanf:"max_retries"`
	Modes        []string `koanf:"modes"`
	LogInterval  int      `koanf:"log_interval"`
	EvalInterval int      `koanf:"eval_interval"`
	SaveInterval int      `koanf:"save_interval"`
	Valid        bool     `koanf:"valid"`
	Test         bool     `koanf:"test"`
	FilterEval   bool     `koanf:"filter_eval"`
	NumWorkers   int      `koanf:"num_workers"`
	LoaderDepth  int      `koanf:"loader_depth"`
}

// OptimizerConfig selects the dense and sparse optimizers.
type OptimizerConfig struct {
	Dense    string  `koanf:"dense"`
	LR       float32 `koanf:"lr"`
	Sparse   string  `koanf:"sparse"`
	SparseLR float32 `koanf:"sparse_lr"`
}

// EmbeddingConfig sizes the resident window and picks the backing store.
type EmbeddingConfig struct {
	// Capacity is the resident row count per table and worker.
	Capacity int `koanf:"capacity"`
	// Backing is "memory", "mmap" or "badger".
	Backing string `koanf:"backing"`
	Path    string `koanf:"path"`
	// SharedPath maps one entity file shared by all workers (mmap only).
	SharedPath   string `koanf:"shared_path"`
	AsyncUpdate  bool   `koanf:"async_update"`
	QueueSize    int    `koanf:"queue_size"`
	MemoryBudget int64  `koanf:"memory_budget"`
	FlushRate    int64  `koanf:"flush_rate"`
	FlushWorkers int    `koanf:"flush_workers"`
}

// JournalConfig enables the trace write-ahead journal.
type JournalConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
	// Durability is "async" or "sync".
	Durability string `koanf:"durability"`
}

// CheckpointConfig selects where checkpoints go.
type CheckpointConfig struct {
	// Store is "local", "s3" or "minio".
	Store       string      `koanf:"store"`
	Path        string      `koanf:"path"`
	Compression string      `koanf:"compression"`
	Keep        int         `koanf:"keep"`
	Resume      bool        `koanf:"resume"`
	S3          S3Config    `koanf:"s3"`
	MinIO       MinIOConfig `koanf:"minio"`
}

// S3Config configures the S3 checkpoint store.
type S3Config struct {
	Bucket string `koanf:"bucket"`
	Prefix string `koanf:"prefix"`
	Region string `koanf:"region"`
	// DynamoTable enables DynamoDB commits of the LATEST pointer.
	DynamoTable string `koanf:"dynamo_table"`
}

// MinIOConfig configures the MinIO checkpoint store.
type MinIOConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// EvalConfig tunes ranking evaluation.
type EvalConfig struct {
	Concurrency int `koanf:"concurrency"`
	ChunkSize   int `koanf:"chunk_size"`
	// BlockSize is the number of candidate entity rows read at once.
	BlockSize int `koanf:"block_size"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Path:   "data",
			Format: "names",
			Mode:   "full",
		},
		Model: ModelConfig{
			Name:        "TransE",
			Dim:         200,
			Gamma:       12,
			Loss:        "logsigmoid",
			Margin:      1,
			Temperature: 1,
			RegNorm:     3,
		},
		Train: TrainConfig{
			BatchSize:    1000,
			NegSize:      64,
			NumEpochs:    0,
			MaxSteps:     100000,
			Seed:         0,
			FilterSample: false,
			MaxRetries:   10,
			Modes:        []string{"head", "tail"},
			LogInterval:  1000,
			EvalInterval: 10000,
			SaveInterval: 20000,
			FilterEval:   true,
			NumWorkers:   1,
			LoaderDepth:  2,
		},
		Optimizer: OptimizerConfig{
			Dense:    "adam",
			LR:       0.001,
			Sparse:   "adagrad",
			SparseLR: 0.1,
		},
		Embedding: EmbeddingConfig{
			Capacity:     1 << 20,
			Backing:      "memory",
			AsyncUpdate:  true,
			QueueSize:    16,
			FlushWorkers: 1,
		},
		Journal: JournalConfig{
			Durability: "async",
		},
		Checkpoint: CheckpointConfig{
			Store:       "local",
			Path:        "output",
			Compression: "zstd",
			Keep:        3,
		},
		Eval: EvalConfig{
			Concurrency: 4,
			ChunkSize:   64,
			BlockSize:   1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}
