// Package graph loads knowledge-graph triples and answers filter queries.
//
// A Graph holds the train, valid and test splits together with two indexes
// built once at load time:
//
//   - (head, relation) -> set of true tails
//   - (tail, relation) -> set of true heads
//
// The sets are roaring bitmaps and are read-only after construction, so any
// number of samplers and evaluators may query them concurrently.
//
// # File Layout
//
// LoadDir expects a directory with train.txt, valid.txt and test.txt. Each
// line holds "head relation tail" separated by tabs or spaces. With
// FormatNames the tokens are names and ids are assigned in order of first
// appearance. With FormatIDs the tokens are numeric ids, and entities.dict
// and relations.dict ("<id>\t<name>" per line) determine the table sizes.
package graph
