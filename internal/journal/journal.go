// Package journal is a write-ahead log of embedding traces.
//
// The update worker appends each trace before applying it. After a crash,
// replaying the journal into the backing stores restores every update that
// was accepted since the last checkpoint, which truncates the journal.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/kgeflow/internal/fs"
	"github.com/hupe1980/kgeflow/model"
)

// Durability controls when appends reach stable storage.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache.
	DurabilityAsync Durability = iota
	// DurabilitySync waits for fsync; concurrent appends share one fsync.
	DurabilitySync
)

// ParseDurability parses "async" or "sync".
func ParseDurability(s string) (Durability, error) {
	switch s {
	case "", "async":
		return DurabilityAsync, nil
	case "sync":
		return DurabilitySync, nil
	default:
		return 0, fmt.Errorf("unknown journal durability %q", s)
	}
}

const (
	journalMagic      = "KGEJRNL1" // 8 bytes
	journalVersion    = 1          // 4 bytes
	journalHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible journal version")
	ErrInvalidHeader       = errors.New("invalid journal header")
)

// Options configures a Journal.
type Options struct {
	Durability Durability
	FS         fs.FileSystem
}

// Journal is an append-only trace log.
type Journal struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	cw   *countingWriter
	path string
	opts Options
	buf  []byte

	// Group commit state.
	syncedOffset int64
	syncCond     *sync.Cond // wakes the syncer
	doneCond     *sync.Cond // wakes waiters after a sync
	closed       bool
	lastErr      error
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Open opens or creates the journal at path.
func Open(path string, opts Options) (*Journal, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	offset, err := checkHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	j := &Journal{
		fs:           fsys,
		file:         f,
		cw:           &countingWriter{w: bufio.NewWriter(f), n: offset},
		path:         path,
		opts:         opts,
		syncedOffset: offset,
	}
	j.syncCond = sync.NewCond(&j.mu)
	j.doneCond = sync.NewCond(&j.mu)

	if opts.Durability == DurabilitySync {
		j.wg.Add(1)
		go j.runSyncer()
	}
	return j, nil
}

func checkHeader(f fs.File) (int64, error) {
	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := stat.Size()

	if size == 0 {
		header := make([]byte, journalHeaderSize)
		copy(header[0:8], journalMagic)
		binary.LittleEndian.PutUint32(header[8:12], journalVersion)
		if _, err := f.Write(header); err != nil {
			return 0, err
		}
		if err := f.Sync(); err != nil {
			return 0, err
		}
		return journalHeaderSize, nil
	}

	if size < journalHeaderSize {
		return 0, fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, size, journalHeaderSize)
	}
	header := make([]byte, journalHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return 0, err
	}
	if string(header[0:8]) != journalMagic {
		return 0, fmt.Errorf("%w: magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != journalVersion {
		return 0, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, journalVersion)
	}
	return size, nil
}

func (j *Journal) runSyncer() {
	defer j.wg.Done()
	j.mu.Lock()
	defer j.mu.Unlock()

	for {
		for j.cw.n <= j.syncedOffset && !j.closed {
			j.syncCond.Wait()
		}
		if j.closed && j.cw.n <= j.syncedOffset {
			return
		}

		target := j.cw.n

		j.mu.Unlock()
		err := j.file.Sync()
		j.mu.Lock()

		if err != nil {
			j.lastErr = fmt.Errorf("journal sync failed: %w", err)
			j.doneCond.Broadcast()
			return
		}
		if target > j.syncedOffset {
			j.syncedOffset = target
		}
		j.doneCond.Broadcast()
	}
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Size returns the journal size in bytes, header included.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cw.n
}

// Empty reports whether the journal holds no records.
func (j *Journal) Empty() bool {
	return j.Size() <= journalHeaderSize
}

// Append writes t and, in sync mode, waits until it is durable.
func (j *Journal) Append(t *model.Trace) error {
	offset, err := j.AppendAsync(t)
	if err != nil {
		return err
	}
	if j.opts.Durability == DurabilitySync {
		return j.WaitFor(offset)
	}
	return nil
}

// AppendAsync writes t without waiting for sync and returns the offset of
// the end of its record.
func (j *Journal) AppendAsync(t *model.Trace) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, os.ErrClosed
	}
	if j.lastErr != nil {
		return 0, j.lastErr
	}

	j.buf = encodeTrace(j.buf[:0], t)
	if _, err := j.cw.Write(j.buf); err != nil {
		return 0, err
	}
	if err := j.cw.w.Flush(); err != nil {
		return 0, err
	}

	if j.opts.Durability == DurabilitySync {
		j.syncCond.Signal()
	}
	return j.cw.n, nil
}

// WaitFor waits until the journal is synced up to offset.
func (j *Journal) WaitFor(offset int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for j.syncedOffset < offset && !j.closed && j.lastErr == nil {
		j.doneCond.Wait()
	}
	if j.lastErr != nil {
		return j.lastErr
	}
	if j.closed && j.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// Sync makes every appended record durable.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return os.ErrClosed
	}
	if j.lastErr != nil {
		return j.lastErr
	}
	if err := j.cw.w.Flush(); err != nil {
		return err
	}

	if j.opts.Durability == DurabilityAsync {
		if err := j.file.Sync(); err != nil {
			return err
		}
		j.syncedOffset = j.cw.n
		return nil
	}

	target := j.cw.n
	j.syncCond.Signal()
	for j.syncedOffset < target && !j.closed && j.lastErr == nil {
		j.doneCond.Wait()
	}
	return j.lastErr
}

// Truncate drops every record. Call it once the traces it holds are
// covered by a checkpoint.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return os.ErrClosed
	}
	if err := j.cw.w.Flush(); err != nil {
		return err
	}
	if err := j.fs.Truncate(j.path, journalHeaderSize); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.cw.n = journalHeaderSize
	j.syncedOffset = journalHeaderSize
	return nil
}

// Replay calls fn for every record in append order and returns how many
// records were replayed. A torn record at the tail ends the replay without
// error; a checksum mismatch does not.
func (j *Journal) Replay(fn func(t *model.Trace) error) (int, error) {
	if err := j.flush(); err != nil {
		return 0, err
	}

	f, err := j.fs.OpenFile(j.path, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(journalHeaderSize, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)

	count := 0
	valid := int64(journalHeaderSize)
	for {
		t, n, err := decode(r)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return count, j.dropTail(valid)
		}
		if err != nil {
			return count, fmt.Errorf("journal record %d: %w", count, err)
		}
		if err := fn(t); err != nil {
			return count, err
		}
		valid += n
		count++
	}
}

// dropTail cuts a torn record so later appends follow the last good one.
func (j *Journal) dropTail(valid int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cw.n <= valid {
		return nil
	}
	if err := j.fs.Truncate(j.path, valid); err != nil {
		return fmt.Errorf("drop torn journal tail: %w", err)
	}
	j.cw.n = valid
	j.syncedOffset = min(j.syncedOffset, valid)
	return nil
}

func (j *Journal) flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return os.ErrClosed
	}
	return j.cw.w.Flush()
}

// Close flushes buffered records, stops the syncer and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return os.ErrClosed
	}

	if err := j.cw.w.Flush(); err != nil {
		j.mu.Unlock()
		j.file.Close()
		return err
	}

	j.closed = true
	j.syncCond.Signal()
	j.mu.Unlock()

	j.wg.Wait()
	return j.file.Close()
}
