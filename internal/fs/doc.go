// Package fs abstracts the local filesystem for the trace journal and the
// local blob store, so tests can inject write, sync and close failures.
//
// Production code uses fs.Default:
//
//	f, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
//
// Tests wrap it with FaultyFS:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("journal", fs.Fault{FailAfterBytes: 1024})
//
// Operations take no context: local file calls are not interruptible at
// the syscall level. Remote storage goes through blobstore, which does.
package fs
