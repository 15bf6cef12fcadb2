// Package mmap maps embedding table files into memory.
//
// Backing stores keep a whole table in one file. Mapping it with MAP_SHARED
// means every mapping of the same path, in this process or another one, sees
// the same rows. Shared-path training relies on this to let several workers
// update one table without copying it.
//
//	m, err := mmap.OpenFile("entity.emb", size, mmap.ReadWrite)
//	if err != nil { ... }
//	defer m.Close()
//
//	rows := m.Bytes()
//	m.Advise(mmap.AccessRandom)
//	m.Sync() // msync(2)
//
// # Platform Support
//
// Mapping is implemented for Unix systems with mmap(2), madvise(2) and
// msync(2). On other platforms OpenFile returns ErrUnsupported.
//
// # Thread Safety
//
// Close is idempotent and protected by atomic operations. Callers must ensure
// no goroutine touches Bytes() after Close returns.
package mmap
