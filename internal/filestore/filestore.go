// Package filestore declares the FileStore/StorageManager contracts
// consumed by the buffer manager (spec §6) and provides a default
// local-disk implementation grounded on the teacher's filePipeline
// (server/wal/file_pipeline.go): plain os.File-backed append-only storage
// with a cleanup hook run via runtime.AddCleanup instead of a GC finalizer
// callback, since that is the idiomatic Go 1.24 replacement for the
// teacher's "set_cleanup_reference"/weak-reference finalizer pattern
// (spec §9 design note).
package filestore

import (
	"io"
)

// FileStore is an append-only, randomly-readable byte store (spec §6).
// The buffer manager never reuses names within a run and never mutates
// already-written bytes in place; compaction instead opens a fresh store
// and swaps it in.
type FileStore interface {
	// Length returns the current file size in bytes.
	Length() (int64, error)
	// ReadFully reads exactly len(buf) bytes starting at offset, failing
	// with an Io-kind error on a short read.
	ReadFully(offset int64, buf []byte) error
	// CreateOutputStream returns a writer that appends to the end of the
	// store.
	CreateOutputStream() (io.WriteCloser, error)
	// CreateInputStream returns a reader starting at offset.
	CreateInputStream(offset int64) (io.ReadCloser, error)
	// SetCleanupReference arranges for Remove to run once owner becomes
	// unreachable, mirroring the teacher's set_cleanup_reference contract.
	SetCleanupReference(owner any)
	// Remove deletes the backing file explicitly.
	Remove() error
}

// StorageManager mints named FileStores (spec §6). Names are opaque
// strings derived from monotonic buffer ids; the buffer manager never
// reuses a name within a run.
type StorageManager interface {
	CreateFileStore(name string) (FileStore, error)
}
