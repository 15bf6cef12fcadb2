// Package embedding implements the out-of-core embedding table: a fixed
// resident window of rows in front of a backing.Store.
//
// A training step prefetches the rows it needs (pinning them), computes and
// applies updates in place, and builds a Trace of the touched rows that an
// update worker later writes to the backing store. Until that trace is
// applied its rows stay in a pending map, so a row that is evicted and
// prefetched again before its trace lands still reads its latest value.
package embedding
