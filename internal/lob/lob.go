// Package lob tracks large-object references embedded in tuples and
// rewrites them on read (spec §4.C LobManager). A LOB's payload lives
// outside the row in a backing stream; the row only carries an opaque id.
package lob

import (
	"io"
	"sync"

	"github.com/federatedb/bufferpool/internal/tuplebatch"
)

// Stream is a backing reader for one LOB's bytes, e.g. a view onto a
// subordinate FileStore opened via BatchStore.CreateStorage.
type Stream = io.ReadCloser

// Manager holds the id -> backing stream mapping for one tuple buffer's
// LOB-bearing columns.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]Stream
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{streams: make(map[string]Stream)}
}

// Register associates id with a backing stream, called when a LOB is first
// observed (e.g. by the operator that produced the tuple).
func (m *Manager) Register(id string, s Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[id] = s
}

// Scan walks the LOB-bearing columns of every row in batch and registers
// any reference id not already known, with a nil stream placeholder —
// the caller (typically the operator/source) backfills the stream
// separately via Register.
func (m *Manager) Scan(batch *tuplebatch.Batch, lobColumnIndexes []int) {
	if len(lobColumnIndexes) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range batch.Rows {
		for _, idx := range lobColumnIndexes {
			if idx >= len(row) {
				continue
			}
			id := row[idx].LobRef
			if id == "" {
				continue
			}
			if _, ok := m.streams[id]; !ok {
				m.streams[id] = nil
			}
		}
	}
}

// Rewrite replaces placeholder LOB references in batch with live streams
// looked up by id, after deserialization. If any referenced LOB is missing,
// batch.HasLobs is set and an error is returned so the caller can refuse to
// restore the enclosing cache entry (spec §4.C, §4.F restore_cached_results).
func (m *Manager) Rewrite(batch *tuplebatch.Batch, lobColumnIndexes []int) error {
	if len(lobColumnIndexes) == 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var missing bool
	for _, row := range batch.Rows {
		for _, idx := range lobColumnIndexes {
			if idx >= len(row) {
				continue
			}
			id := row[idx].LobRef
			if id == "" {
				continue
			}
			if s, ok := m.streams[id]; !ok || s == nil {
				missing = true
			}
		}
	}
	if missing {
		batch.HasLobs = true
		return errMissingLob
	}
	return nil
}

// errMissingLob is returned by Rewrite when a referenced LOB has no backing
// stream registered.
var errMissingLob = missingLobError{}

type missingLobError struct{}

func (missingLobError) Error() string { return "lob: referenced large object is missing" }
