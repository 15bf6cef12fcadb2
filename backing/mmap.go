package backing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/hupe1980/kgeflow/internal/mmap"
	"github.com/hupe1980/kgeflow/model"
)

const (
	mmapMagic      = "KGEROWS1"
	mmapVersion    = 1
	mmapHeaderSize = 32 // magic(8) version(4) dim(4) rows(8) reserved(8)
)

// ErrInvalidHeader is returned when a table file has a foreign or mismatched header.
var ErrInvalidHeader = errors.New("backing: invalid table file header")

// MmapStore keeps a table in a shared, writable file mapping. Every MmapStore
// opened on the same path shares rows with the others, across goroutines
// and processes.
type MmapStore struct {
	dim    int
	rows   int
	m      *mmap.Mapping
	data   []byte
	locks  stripes
	fresh  bool
	closed atomic.Bool
}

// OpenMmap maps the table at path, creating it with rows x dim zeroed rows
// if it does not exist. An existing file must match rows and dim.
func OpenMmap(path string, rows, dim int) (*MmapStore, error) {
	if rows <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: rows=%d dim=%d", ErrDimensionMismatch, rows, dim)
	}

	fresh := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fresh = true
	}

	size := int64(mmapHeaderSize) + int64(rows)*int64(dim)*4
	m, err := mmap.OpenFile(path, size, mmap.ReadWrite)
	if err != nil {
		return nil, err
	}

	data := m.Bytes()
	hdr := data[:mmapHeaderSize]
	switch {
	case fresh || string(hdr[0:8]) == "\x00\x00\x00\x00\x00\x00\x00\x00":
		// Zero header: new file, possibly raced by another opener. Both write the same bytes.
		fresh = true
		copy(hdr[0:8], mmapMagic)
		binary.LittleEndian.PutUint32(hdr[8:12], mmapVersion)
		binary.LittleEndian.PutUint32(hdr[12:16], uint32(dim))
		binary.LittleEndian.PutUint64(hdr[16:24], uint64(rows))
	case string(hdr[0:8]) != mmapMagic:
		m.Close()
		return nil, fmt.Errorf("%w: magic %q", ErrInvalidHeader, hdr[0:8])
	default:
		gotDim := int(binary.LittleEndian.Uint32(hdr[12:16]))
		gotRows := int(binary.LittleEndian.Uint64(hdr[16:24]))
		if gotDim != dim || gotRows != rows {
			m.Close()
			return nil, fmt.Errorf("%w: file has %dx%d, want %dx%d", ErrInvalidHeader, gotRows, gotDim, rows, dim)
		}
	}

	_ = m.Advise(mmap.AccessRandom)

	return &MmapStore{
		dim:   dim,
		rows:  rows,
		m:     m,
		data:  data[mmapHeaderSize:],
		fresh: fresh,
	}, nil
}

// Fresh reports whether this open created the table.
func (s *MmapStore) Fresh() bool { return s.fresh }

// Dim returns the row width.
func (s *MmapStore) Dim() int { return s.dim }

// Len returns the number of rows.
func (s *MmapStore) Len() int { return s.rows }

func (s *MmapStore) row(id model.RowID) []byte {
	stride := s.dim * 4
	return s.data[int(id)*stride : (int(id)+1)*stride]
}

// Read copies row id into dst.
func (s *MmapStore) Read(id model.RowID, dst []float32) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := checkRow(id, s.rows, dst, s.dim); err != nil {
		return err
	}
	l := s.locks.of(id)
	l.RLock()
	GetRow(dst[:s.dim], s.row(id))
	l.RUnlock()
	return nil
}

// Write overwrites row id.
func (s *MmapStore) Write(id model.RowID, src []float32) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := checkRow(id, s.rows, src, s.dim); err != nil {
		return err
	}
	l := s.locks.of(id)
	l.Lock()
	PutRow(s.row(id), src[:s.dim])
	l.Unlock()
	return nil
}

// Fill writes every row through fn.
func (s *MmapStore) Fill(fn func(id model.RowID, dst []float32)) error {
	buf := make([]float32, s.dim)
	for id := 0; id < s.rows; id++ {
		fn(model.RowID(id), buf)
		if err := s.Write(model.RowID(id), buf); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the mapping to the file.
func (s *MmapStore) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.m.Sync()
}

// Close syncs and unmaps the table.
func (s *MmapStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.m.Sync()
	if cerr := s.m.Close(); err == nil {
		err = cerr
	}
	return err
}
