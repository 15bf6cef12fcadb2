// Package testutil provides testing utilities for kgeflow.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded, thread-safe RNG and generators for synthetic
// knowledge graphs.
//
// # Synthetic Graphs
//
//	rng := testutil.NewRNG(seed)
//	g := testutil.Graph(t, rng, testutil.GraphSpec{Entities: 20, Relations: 4, Train: 100})
//
// Entity popularity can be skewed with GraphSpec.Skew, which draws entities
// from a Zipf distribution like real knowledge graphs.
package testutil
