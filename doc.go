// Package kgeflow trains knowledge-graph embeddings whose tables do not fit
// in memory.
//
// Entity (and optionally relation) embeddings live in a backing store: RAM,
// a shared memory-mapped file or BadgerDB. Each training worker keeps only a
// resident window of rows, prefetched per batch and evicted in LRU order.
// Updated rows leave a step as a trace, which an update worker applies to
// the backing store while the next step runs.
//
// # Quick Start
//
//	cfg, _ := config.Load("kgeflow.yaml")
//	t, _ := kgeflow.New(ctx, cfg, kgeflow.WithLogger(kgeflow.NewTextLogger(slog.LevelInfo)))
//	defer t.Close()
//	sum, err := t.Run(ctx)
//
// # Training Step
//
// Every step samples a batch with negatives, prefetches its rows, scores
// positives and negatives, computes the loss and its gradients, applies the
// dense and the row-wise sparse optimizer, and dispatches the trace:
//
//	SAMPLE → PREFETCH → FORWARD → LOSS → BACKWARD → OPTIMIZE → TRACE_DISPATCH
//
// Validation, checkpoints and the final test evaluation drain every worker
// first and run on rank 0.
//
// # Durability Model
//
// Checkpoints are written to a blobstore.BlobStore as step_<n>/ with a
// LATEST pointer; local disk, S3 (optionally with a DynamoDB pointer) and
// MinIO are supported. With the journal enabled, every trace is appended
// before it is applied, and a resumed run replays the journal on top of the
// latest checkpoint.
//
// # Key Features
//
//   - TransE (L1/L2), DistMult and ComplEx with logsigmoid or hinge loss
//   - Filtered negative sampling with a bounded retry count
//   - Adam/Adagrad dense optimizers, Adagrad/SGD row-wise sparse updates
//   - Multiple workers with an in-process all-reduce of dense gradients
//   - Filtered MRR, MR and Hits@k evaluation
//   - Prometheus metrics and structured logging
package kgeflow
