package model

import (
	"errors"
	"fmt"
	"strings"
)

// RowID is the global row index of an embedding table.
type RowID uint32

// Table identifies an embedding table.
type Table uint8

const (
	// TableEntity is the entity embedding table.
	TableEntity Table = iota
	// TableRelation is the relation embedding table.
	TableRelation
)

// String returns the table name used in file names and log fields.
func (t Table) String() string {
	switch t {
	case TableEntity:
		return "entity"
	case TableRelation:
		return "relation"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// Triple is a single (head, relation, tail) fact.
type Triple struct {
	Head     uint32
	Relation uint32
	Tail     uint32
}

// String returns a string representation of the Triple.
func (t Triple) String() string {
	return fmt.Sprintf("(%d, %d, %d)", t.Head, t.Relation, t.Tail)
}

// ErrInvalidMode is returned for a corruption mode other than head or tail.
var ErrInvalidMode = errors.New("invalid corruption mode")

// CorruptionMode selects which side of a positive triple is replaced
// when drawing negatives.
type CorruptionMode uint8

const (
	// ModeHead replaces the head entity.
	ModeHead CorruptionMode = iota + 1
	// ModeTail replaces the tail entity.
	ModeTail
)

// ParseMode parses "head" or "tail" (case-insensitive).
func ParseMode(s string) (CorruptionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "head":
		return ModeHead, nil
	case "tail":
		return ModeTail, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Valid reports whether m is one of the defined modes.
func (m CorruptionMode) Valid() bool {
	return m == ModeHead || m == ModeTail
}

// Flip returns the opposite mode.
func (m CorruptionMode) Flip() CorruptionMode {
	if m == ModeHead {
		return ModeTail
	}
	return ModeHead
}

// String returns "head" or "tail".
func (m CorruptionMode) String() string {
	switch m {
	case ModeHead:
		return "head"
	case ModeTail:
		return "tail"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Anchor returns the entity that stays fixed under mode m.
func (t Triple) Anchor(m CorruptionMode) uint32 {
	if m == ModeHead {
		return t.Tail
	}
	return t.Head
}

// Target returns the entity that mode m replaces.
func (t Triple) Target(m CorruptionMode) uint32 {
	if m == ModeHead {
		return t.Head
	}
	return t.Tail
}
