package backing

import (
	"sync/atomic"

	"github.com/hupe1980/kgeflow/model"
)

// MemoryStore keeps a table in host memory.
type MemoryStore struct {
	dim    int
	rows   int
	data   []float32
	locks  stripes
	closed atomic.Bool
}

// NewMemoryStore allocates a zeroed rows x dim table.
func NewMemoryStore(rows, dim int) *MemoryStore {
	return &MemoryStore{
		dim:  dim,
		rows: rows,
		data: make([]float32, rows*dim),
	}
}

// Dim returns the row width.
func (m *MemoryStore) Dim() int { return m.dim }

// Len returns the number of rows.
func (m *MemoryStore) Len() int { return m.rows }

// Read copies row id into dst.
func (m *MemoryStore) Read(id model.RowID, dst []float32) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := checkRow(id, m.rows, dst, m.dim); err != nil {
		return err
	}
	l := m.locks.of(id)
	l.RLock()
	copy(dst[:m.dim], m.data[int(id)*m.dim:])
	l.RUnlock()
	return nil
}

// Write overwrites row id.
func (m *MemoryStore) Write(id model.RowID, src []float32) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := checkRow(id, m.rows, src, m.dim); err != nil {
		return err
	}
	l := m.locks.of(id)
	l.Lock()
	copy(m.data[int(id)*m.dim:(int(id)+1)*m.dim], src)
	l.Unlock()
	return nil
}

// Fill writes every row through fn.
func (m *MemoryStore) Fill(fn func(id model.RowID, dst []float32)) error {
	for id := 0; id < m.rows; id++ {
		l := m.locks.of(model.RowID(id))
		l.Lock()
		fn(model.RowID(id), m.data[id*m.dim:(id+1)*m.dim])
		l.Unlock()
	}
	return nil
}

// Sync is a no-op.
func (m *MemoryStore) Sync() error { return nil }

// Close releases the table.
func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}
