// Package model defines core types shared across kgeflow.
//
// # Identity Types
//
//   - RowID: Row index in an embedding table (uint32)
//   - Table: Which embedding table a row belongs to (entity or relation)
//
// # Data Types
//
//   - Triple: A (head, relation, tail) fact
//   - CorruptionMode: Which side of a triple negative sampling replaces
//   - Trace: Sparse set of (row, new value) pairs produced by one training step
//
// Traces are immutable once built. They travel from the training loop to the
// update worker and are applied to the backing store in FIFO order:
//
//	t := model.NewTrace(model.TableEntity, dim, len(rows))
//	t.Append(row, value)
package model
