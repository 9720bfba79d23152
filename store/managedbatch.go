// Package store implements BatchStore and ManagedBatch (spec §4.D, §4.E):
// the per-tuple-buffer spill file and the lifecycle of a single batch
// mediating between memory and that file. It is grounded on the teacher's
// mvcc/backend package (backend.go, batch_tx.go, tx_buffer.go), which plays
// the same role — a buffered, lock-disciplined front end onto an
// append-style backing store — for etcd's key/value pairs instead of
// query-operator row batches.
package store

import (
	"sync"
	"weak"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/federatedb/bufferpool/internal/errs"
	"github.com/federatedb/bufferpool/internal/lob"
	"github.com/federatedb/bufferpool/internal/metrics"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/tuplebatch"
)

// ManagedBatch mediates between a TupleBatch and its spill slot (spec
// §4.E). It holds a non-owning pointer back to its BatchStore: in a
// refcounted host this would need to be an arena index or weak handle to
// break the ManagedBatch<->BatchStore cycle (spec §9 design note), but Go's
// garbage collector reclaims cycles on its own, so the plain pointer is
// the idiomatic choice here — the "non-owning" property is preserved
// because BatchStore, not ManagedBatch, is the thing with Close/Remove
// semantics and a lifetime independent of any one batch.
type ManagedBatch struct {
	id       int64
	beginRow int64
	store    *BatchStore

	mu         sync.Mutex
	active     *tuplebatch.Batch
	ref        weak.Pointer[tuplebatch.Batch]
	hasRef     bool
	persistent bool
	softCache  bool

	sizeEstimateKB int
	lobManager     *lob.Manager

	removed bool
}

// ID returns the ManagedBatch's monotonic id.
func (mb *ManagedBatch) ID() int64 { return mb.id }

// BeginRow returns the batch's starting row number, also its key in the
// store's eviction index.
func (mb *ManagedBatch) BeginRow() int64 { return mb.beginRow }

// StoreOf returns the BatchStore mb belongs to, for use by the
// EvictionCoordinator implementation.
func (mb *ManagedBatch) StoreOf() *BatchStore { return mb.store }

// SizeEstimateKB returns the cached footprint estimate used for accounting.
func (mb *ManagedBatch) SizeEstimateKB() int { return mb.sizeEstimateKB }

// SetSoftCache records whether this batch should be kept in the
// coordinator's second-chance cache after its next persist, the
// per-batch reflection of the eviction loop's value_cache_enabled flag
// (spec §4.D value_cache_enabled, §9 design note). Must be called by the
// EvictionCoordinator, which owns that flag.
func (mb *ManagedBatch) SetSoftCache(v bool) {
	mb.mu.Lock()
	mb.softCache = v
	mb.mu.Unlock()
}

// Persistent reports whether the batch has ever been written to disk
// (spec §3: set-once false -> true).
func (mb *ManagedBatch) Persistent() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.persistent
}

// GetBatch resolves the live TupleBatch (spec §4.E get_batch). cache=true
// asks the resolved batch to be repromoted/kept resident; expected, when
// non-nil, is the schema the caller already knows, so the on-wire copy is
// dropped.
func (mb *ManagedBatch) GetBatch(cache bool, expected schema.Schema) (*tuplebatch.Batch, error) {
	mb.store.coord.Touch(mb.store, mb.beginRow)

	mb.mu.Lock()
	if mb.removed {
		mb.mu.Unlock()
		return nil, errs.New("ManagedBatch.GetBatch", errs.KindClosed)
	}
	if mb.active != nil {
		b := mb.active
		mb.mu.Unlock()
		return b, nil
	}
	if mb.hasRef {
		if b := mb.ref.Value(); b != nil {
			metrics.ReferenceHits.Inc()
			if cache {
				mb.active = b
				mb.mu.Unlock()
				mb.store.coord.Readmit(mb)
				return b, nil
			}
			mb.mu.Unlock()
			return b, nil
		}
	}
	mb.mu.Unlock()

	// Disk read path: acquire the store's compaction read lock (lock
	// hierarchy level 4), look up the physical mapping, deserialize.
	b, err := mb.store.readBatch(mb.id, expected)
	if err != nil {
		return nil, err
	}
	b.BeginRow = mb.beginRow
	if expected != nil {
		b.StripColumns()
	}
	if mb.lobManager != nil && expected.HasLobs() {
		if lerr := mb.lobManager.Rewrite(b, expected.LobColumnIndexes()); lerr != nil {
			return nil, errs.Wrap("ManagedBatch.GetBatch", errs.KindNotFound, lerr)
		}
	}

	mb.mu.Lock()
	alreadyActive := mb.active != nil
	if cache {
		mb.active = b
	}
	mb.mu.Unlock()
	// Only readmit if this call is the one that transitioned the batch
	// into active: Readmit charges active_batch_kb unconditionally, so a
	// second concurrent GetBatch(cache=true) racing to this point for the
	// same already-resolved batch must not charge it twice (spec §8:
	// sum(size_estimate over active_batches) == active_batch_kb).
	if cache && !alreadyActive {
		mb.store.coord.Readmit(mb)
	}
	return b, nil
}

// Persist implements spec §4.E persist(). It is a no-op if there is no
// active batch (already disk-only or reclaimable), and idempotent once
// persistent — re-invoking it only re-demotes the in-memory slot, it never
// rewrites the file.
func (mb *ManagedBatch) Persist() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.active == nil {
		return nil
	}
	b := mb.active

	if !mb.persistent {
		cols := mb.store.schema
		if b.Columns != nil {
			cols = b.Columns
		}
		if mb.lobManager != nil {
			mb.lobManager.Scan(b, cols.LobColumnIndexes())
		}
		if _, err := mb.store.persistBatch(mb.id, b, cols); err != nil {
			return errs.Wrap("ManagedBatch.Persist", errs.KindIO, err)
		}
		mb.persistent = true
		b.Serialized = true
	}

	mb.ref = weak.Make(b)
	mb.hasRef = true
	if mb.softCache {
		mb.store.coord.RetainSoft(mb, b)
	}
	mb.active = nil
	return nil
}

// DropCache clears mb's in-memory and soft/weak-reference slots without
// touching the eviction index or physical map, forcing the next GetBatch
// to resolve from disk. Used by callers (e.g. statecodec's set_state) that
// need to verify a just-written batch is actually reconstructible from its
// persisted form rather than from the reference that Persist left behind.
func (mb *ManagedBatch) DropCache() {
	mb.mu.Lock()
	mb.active = nil
	mb.hasRef = false
	mb.mu.Unlock()
}

// Close runs the batch's cleanup immediately, used when a TupleBuffer is
// removed explicitly. Safe to call more than once and from concurrent
// goroutines.
func (mb *ManagedBatch) Close() { mb.cleanupHook() }

// cleanupHook performs the batch's cleanup (spec §4.E get_cleanup_hook):
// it frees the eviction entry (if still present) and the on-disk slot,
// incrementing unused_space. Close is its only caller; it is not registered
// with the runtime, so an unreachable batch is not cleaned up on its own.
func (mb *ManagedBatch) cleanupHook() {
	mb.mu.Lock()
	if mb.removed {
		mb.mu.Unlock()
		return
	}
	mb.removed = true
	mb.active = nil
	mb.hasRef = false
	mb.mu.Unlock()

	mb.store.coord.Evict(mb)
	mb.store.freeSlot(mb.id)
}

// SecondChanceCache is the explicit bounded LRU substituting for the host
// runtime's soft-reference semantics (spec §9 design note): a batch placed
// here is kept strongly reachable until the cache evicts it under
// capacity pressure, at which point only the weak.Pointer in the owning
// ManagedBatch remains and resurrection becomes best-effort, just like a
// soft reference under real memory pressure. Grounded on the
// hashicorp/golang-lru usage seen in the retrieval pack's CAS store
// (other_examples/good-night-oppie-helios cas.go).
type SecondChanceCache struct {
	cache *lru.Cache[int64, *tuplebatch.Batch]
}

// NewSecondChanceCache builds a SecondChanceCache holding at most size
// batches; the BufferManager owns one instance shared across every
// BatchStore it creates.
func NewSecondChanceCache(size int, lg *zap.Logger) *SecondChanceCache {
	if size < 1 {
		size = 1
	}
	c, err := lru.New[int64, *tuplebatch.Batch](size)
	if err != nil {
		// Only returns an error for size < 1, excluded above.
		if lg != nil {
			lg.Panic("failed to construct second-chance cache", zap.Error(err))
		}
		panic(err)
	}
	return &SecondChanceCache{cache: c}
}

// Retain keeps b strongly reachable under key id until evicted.
func (c *SecondChanceCache) Retain(id int64, b *tuplebatch.Batch) {
	c.cache.Add(id, b)
}

// Drop removes id's entry, e.g. once its ManagedBatch is cleaned up.
func (c *SecondChanceCache) Drop(id int64) {
	c.cache.Remove(id)
}
