package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/federatedb/bufferpool/internal/errs"
)

// LocalStorageManager mints disk-backed FileStores under a root directory,
// the way the teacher's storage layer hands out per-segment files under a
// WAL directory (server/wal/file_pipeline.go).
type LocalStorageManager struct {
	root string
}

// NewLocalStorageManager returns a StorageManager rooted at dir, creating
// it if necessary.
func NewLocalStorageManager(dir string) (*LocalStorageManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap("filestore.NewLocalStorageManager", errs.KindIO, err)
	}
	return &LocalStorageManager{root: dir}, nil
}

// CreateFileStore implements StorageManager.
func (m *LocalStorageManager) CreateFileStore(name string) (FileStore, error) {
	path := filepath.Join(m.root, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.Wrap("filestore.CreateFileStore", errs.KindIO, err)
	}
	return &localFileStore{path: path, f: f}, nil
}

// localFileStore is the default FileStore: a plain append-only os.File
// protected by a monitor (lock hierarchy level 5, spec §5), with explicit
// Remove plus a runtime.AddCleanup-driven fallback for callers that drop
// their owning container without closing it explicitly.
type localFileStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func (s *localFileStore) Length() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi, err := s.f.Stat()
	if err != nil {
		return 0, errs.Wrap("localFileStore.Length", errs.KindIO, err)
	}
	return fi.Size(), nil
}

func (s *localFileStore) ReadFully(offset int64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.ReadAt(buf, offset)
	if n < len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return errs.Wrap("localFileStore.ReadFully", errs.KindIO,
			fmt.Errorf("short read at offset %d: got %d of %d bytes: %w", offset, n, len(buf), err))
	}
	return nil
}

func (s *localFileStore) CreateOutputStream() (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errs.Wrap("localFileStore.CreateOutputStream", errs.KindIO, err)
	}
	return &appendWriter{store: s, offset: off}, nil
}

func (s *localFileStore) CreateInputStream(offset int64) (io.ReadCloser, error) {
	return &sectionReader{store: s, offset: offset}, nil
}

func (s *localFileStore) SetCleanupReference(owner any) {
	runtime.AddCleanup(owner, func(path string) {
		_ = os.Remove(path)
	}, s.path)
}

func (s *localFileStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Close(); err != nil {
		return errs.Wrap("localFileStore.Remove", errs.KindIO, err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap("localFileStore.Remove", errs.KindIO, err)
	}
	return nil
}

// appendWriter serializes writes to the tail of the file under the
// store's monitor; WriteCloser rather than a bare *os.File so callers
// (wire.EncodeBatch) can wrap it in their own buffering without touching
// the underlying handle's offset concurrently with reads.
type appendWriter struct {
	store  *localFileStore
	offset int64
}

func (w *appendWriter) Write(p []byte) (int, error) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	n, err := w.store.f.WriteAt(p, w.offset)
	w.offset += int64(n)
	if err != nil {
		return n, errs.Wrap("appendWriter.Write", errs.KindIO, err)
	}
	return n, nil
}

func (w *appendWriter) Close() error { return nil }

type sectionReader struct {
	store  *localFileStore
	offset int64
}

func (r *sectionReader) Read(p []byte) (int, error) {
	r.store.mu.Lock()
	n, err := r.store.f.ReadAt(p, r.offset)
	r.store.mu.Unlock()
	r.offset += int64(n)
	return n, err
}

func (r *sectionReader) Close() error { return nil }
