package mmap

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Mapping is a memory-mapped file.
// It owns the mapped bytes and the file descriptor.
type Mapping struct {
	data   []byte
	file   *os.File
	mode   Mode
	closed atomic.Bool
}

// OpenFile maps path into memory. If the file is smaller than size it is
// extended (zero-filled) first; size <= 0 maps the current file length.
// ReadWrite creates the file if it does not exist.
func OpenFile(path string, size int64, mode Mode) (*Mapping, error) {
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if size <= 0 {
		size = fi.Size()
	}
	if size <= 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidSize, path)
	}

	if fi.Size() < size {
		if mode != ReadWrite {
			f.Close()
			return nil, fmt.Errorf("%w: %s has %d bytes, need %d", ErrInvalidSize, path, fi.Size(), size)
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := osMap(f, int(size), mode)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Mapping{data: data, file: f, mode: mode}, nil
}

// Close unmaps the memory and closes the file. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	err := osUnmap(m.data)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Bytes returns the mapped bytes, or nil after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return len(m.data)
}

// Advise provides hints to the kernel about how the memory will be accessed.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osAdvise(m.data, pattern)
}

// Sync flushes dirty pages of a writable mapping to the file.
func (m *Mapping) Sync() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.mode != ReadWrite {
		return nil
	}
	return osSync(m.data)
}
