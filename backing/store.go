// Package backing provides the large, slow tier of an embedding table.
//
// A Store holds every row of a table. The training loop never reads it
// directly: rows are prefetched into a resident window, and updated values
// come back through traces applied by the update worker.
//
// Implementations:
//
//   - MemoryStore: host memory
//   - MmapStore: a shared, writable file mapping (shared-path training)
//   - badger.Store: a disk-backed key-value store
//
// All implementations allow concurrent Read and Write of distinct rows
// without any lock above the store.
package backing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/kgeflow/model"
)

var (
	// ErrOutOfRange is returned for a row id beyond the table.
	ErrOutOfRange = errors.New("backing: row out of range")
	// ErrDimensionMismatch is returned when a buffer does not hold one row.
	ErrDimensionMismatch = errors.New("backing: dimension mismatch")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backing: store closed")
)

// Store is the backing tier of one embedding table.
type Store interface {
	// Dim returns the row width.
	Dim() int
	// Len returns the number of rows.
	Len() int
	// Read copies row id into dst (len(dst) >= Dim()).
	Read(id model.RowID, dst []float32) error
	// Write overwrites row id with src (len(src) >= Dim()).
	Write(id model.RowID, src []float32) error
	// Sync makes prior writes durable where the medium supports it.
	Sync() error
	// Close releases resources.
	Close() error
}

// Filler is implemented by stores with a bulk write path.
type Filler interface {
	// Fill calls fn for every row in order and stores what fn writes to dst.
	Fill(fn func(id model.RowID, dst []float32)) error
}

// Initialize fills s uniformly in [-scale, scale) from seed.
func Initialize(s Store, seed int64, scale float32) error {
	rng := rand.New(rand.NewSource(seed))
	gen := func(_ model.RowID, dst []float32) {
		for i := range dst {
			dst[i] = (rng.Float32()*2 - 1) * scale
		}
	}

	if f, ok := s.(Filler); ok {
		return f.Fill(gen)
	}

	row := make([]float32, s.Dim())
	for id := 0; id < s.Len(); id++ {
		gen(model.RowID(id), row)
		if err := s.Write(model.RowID(id), row); err != nil {
			return err
		}
	}
	return nil
}

// InitScale returns the DGL-KE style init range (gamma + 2) / dim.
func InitScale(gamma float32, dim int) float32 {
	return (gamma + 2) / float32(dim)
}

// PutRow encodes v little-endian into b (len(b) >= 4*len(v)).
func PutRow(b []byte, v []float32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(x))
	}
}

// GetRow decodes len(dst) little-endian floats from b.
func GetRow(dst []float32, b []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
}

const numStripes = 64

// stripes serializes access per row without a table-wide lock.
type stripes [numStripes]sync.RWMutex

func (s *stripes) of(id model.RowID) *sync.RWMutex {
	return &s[uint32(id)%numStripes]
}

func checkRow(id model.RowID, rows int, buf []float32, dim int) error {
	if int(id) >= rows {
		return fmt.Errorf("%w: %d >= %d", ErrOutOfRange, id, rows)
	}
	if len(buf) < dim {
		return fmt.Errorf("%w: buffer %d < dim %d", ErrDimensionMismatch, len(buf), dim)
	}
	return nil
}
