package graph

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/kgeflow/model"
)

var (
	// ErrMalformed is the root of all data errors returned by this package.
	ErrMalformed = errors.New("malformed triple data")
	// ErrIDOutOfRange is returned when a triple references an unknown entity or relation.
	ErrIDOutOfRange = fmt.Errorf("%w: id out of range", ErrMalformed)
	// ErrMissingSplit is returned when the train split is absent or empty.
	ErrMissingSplit = fmt.Errorf("%w: missing split", ErrMalformed)
)

// Graph is an immutable triple source with filter indexes.
type Graph struct {
	numEntities  uint32
	numRelations uint32

	train []model.Triple
	valid []model.Triple
	test  []model.Triple

	entityNames   []string
	relationNames []string

	// key(anchor, relation) -> true entities on the corrupted side
	tails map[uint64]*roaring.Bitmap
	heads map[uint64]*roaring.Bitmap
}

func key(anchor, relation uint32) uint64 {
	return uint64(anchor)<<32 | uint64(relation)
}

// New validates the splits and builds the filter indexes.
func New(numEntities, numRelations uint32, train, valid, test []model.Triple) (*Graph, error) {
	if len(train) == 0 {
		return nil, fmt.Errorf("%w: train split is empty", ErrMissingSplit)
	}

	g := &Graph{
		numEntities:  numEntities,
		numRelations: numRelations,
		train:        train,
		valid:        valid,
		test:         test,
		tails:        make(map[uint64]*roaring.Bitmap),
		heads:        make(map[uint64]*roaring.Bitmap),
	}

	for _, split := range []struct {
		name    string
		triples []model.Triple
	}{{"train", train}, {"valid", valid}, {"test", test}} {
		for i, t := range split.triples {
			if err := g.check(t); err != nil {
				return nil, fmt.Errorf("%s triple %d: %w", split.name, i, err)
			}
			g.index(t)
		}
	}

	for _, bm := range g.tails {
		bm.RunOptimize()
	}
	for _, bm := range g.heads {
		bm.RunOptimize()
	}

	return g, nil
}

func (g *Graph) check(t model.Triple) error {
	if t.Head >= g.numEntities || t.Tail >= g.numEntities {
		return fmt.Errorf("%w: entity in %s (entities=%d)", ErrIDOutOfRange, t, g.numEntities)
	}
	if t.Relation >= g.numRelations {
		return fmt.Errorf("%w: relation in %s (relations=%d)", ErrIDOutOfRange, t, g.numRelations)
	}
	return nil
}

func (g *Graph) index(t model.Triple) {
	k := key(t.Head, t.Relation)
	bm, ok := g.tails[k]
	if !ok {
		bm = roaring.New()
		g.tails[k] = bm
	}
	bm.Add(t.Tail)

	k = key(t.Tail, t.Relation)
	bm, ok = g.heads[k]
	if !ok {
		bm = roaring.New()
		g.heads[k] = bm
	}
	bm.Add(t.Head)
}

// FilterFor returns the entities that form a true fact when placed on the
// corrupted side: true tails of (anchor, relation) for ModeTail, true heads of
// (anchor, relation) for ModeHead. Returns nil if there are none or the mode
// is invalid. The bitmap must not be modified.
func (g *Graph) FilterFor(mode model.CorruptionMode, anchor, relation uint32) *roaring.Bitmap {
	switch mode {
	case model.ModeTail:
		return g.tails[key(anchor, relation)]
	case model.ModeHead:
		return g.heads[key(anchor, relation)]
	default:
		return nil
	}
}

// Degree returns |tails(h, r)| + |heads(t, r)| for t.
func (g *Graph) Degree(t model.Triple) int {
	n := 0
	if bm := g.tails[key(t.Head, t.Relation)]; bm != nil {
		n += int(bm.GetCardinality())
	}
	if bm := g.heads[key(t.Tail, t.Relation)]; bm != nil {
		n += int(bm.GetCardinality())
	}
	return n
}

// EntityDegrees returns how often each entity occurs in the train split.
func (g *Graph) EntityDegrees() []float64 {
	deg := make([]float64, g.numEntities)
	for _, t := range g.train {
		deg[t.Head]++
		deg[t.Tail]++
	}
	return deg
}

// NumEntities returns the size of the entity table.
func (g *Graph) NumEntities() uint32 { return g.numEntities }

// NumRelations returns the size of the relation table.
func (g *Graph) NumRelations() uint32 { return g.numRelations }

// Train returns the training split.
func (g *Graph) Train() []model.Triple { return g.train }

// Valid returns the validation split.
func (g *Graph) Valid() []model.Triple { return g.valid }

// Test returns the test split.
func (g *Graph) Test() []model.Triple { return g.test }

// EntityName returns the name of an entity, or "" if unknown.
func (g *Graph) EntityName(id uint32) string {
	if int(id) >= len(g.entityNames) {
		return ""
	}
	return g.entityNames[id]
}

// RelationName returns the name of a relation, or "" if unknown.
func (g *Graph) RelationName(id uint32) string {
	if int(id) >= len(g.relationNames) {
		return ""
	}
	return g.relationNames[id]
}
