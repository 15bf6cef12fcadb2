// Package badger stores an embedding table in BadgerDB.
//
// Each row is one key ("r" + big-endian row id) holding dim little-endian
// float32 values. Rows that were never written read as zeros. The table
// shape is recorded under a meta key and checked on reopen.
package badger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/kgeflow/backing"
	"github.com/hupe1980/kgeflow/model"
)

var metaKey = []byte("meta")

// Store is a backing.Store on top of BadgerDB.
type Store struct {
	db    *badger.DB
	dim   int
	rows  int
	fresh bool
}

var _ backing.Store = (*Store)(nil)

// Open opens (or creates) a table in dir. An empty dir keeps the table in memory.
func Open(dir string, rows, dim int) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger table: %w", err)
	}

	s := &Store{db: db, dim: dim, rows: rows}
	if err := s.checkMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkMeta() error {
	want := make([]byte, 12)
	binary.BigEndian.PutUint32(want[0:4], uint32(s.dim))
	binary.BigEndian.PutUint64(want[4:12], uint64(s.rows))

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			s.fresh = true
			return txn.Set(metaKey, want)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 12 || string(val) != string(want) {
				return fmt.Errorf("%w: stored shape differs", backing.ErrDimensionMismatch)
			}
			return nil
		})
	})
}

func rowKey(id model.RowID) []byte {
	k := make([]byte, 5)
	k[0] = 'r'
	binary.BigEndian.PutUint32(k[1:], uint32(id))
	return k
}

func (s *Store) check(id model.RowID, buf []float32) error {
	if int(id) >= s.rows {
		return fmt.Errorf("%w: %d >= %d", backing.ErrOutOfRange, id, s.rows)
	}
	if len(buf) < s.dim {
		return fmt.Errorf("%w: buffer %d < dim %d", backing.ErrDimensionMismatch, len(buf), s.dim)
	}
	return nil
}

// Fresh reports whether Open created the table.
func (s *Store) Fresh() bool { return s.fresh }

// Dim returns the row width.
func (s *Store) Dim() int { return s.dim }

// Len returns the number of rows.
func (s *Store) Len() int { return s.rows }

// Read copies row id into dst.
func (s *Store) Read(id model.RowID, dst []float32) error {
	if err := s.check(id, dst); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			clear(dst[:s.dim])
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			backing.GetRow(dst[:s.dim], val)
			return nil
		})
	})
}

// Write overwrites row id.
func (s *Store) Write(id model.RowID, src []float32) error {
	if err := s.check(id, src); err != nil {
		return err
	}
	val := make([]byte, s.dim*4)
	backing.PutRow(val, src[:s.dim])
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rowKey(id), val)
	})
}

// Fill writes every row through fn in one write batch.
func (s *Store) Fill(fn func(id model.RowID, dst []float32)) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	buf := make([]float32, s.dim)
	for id := 0; id < s.rows; id++ {
		fn(model.RowID(id), buf)
		val := make([]byte, s.dim*4)
		backing.PutRow(val, buf)
		if err := wb.Set(rowKey(model.RowID(id)), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Sync persists the value log.
func (s *Store) Sync() error {
	return s.db.Sync()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
