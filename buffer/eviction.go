package buffer

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"github.com/federatedb/bufferpool/internal/metrics"
	"github.com/federatedb/bufferpool/internal/tuplebatch"
	"github.com/federatedb/bufferpool/store"
)

// valueCacheHighWaterFrac and valueCacheLowWaterFrac implement spec §4.D's
// value_cache_enabled hysteresis: enabled once the reserve pool climbs
// above 25% of its ceiling, disabled once it falls below 12.5%, with the
// gap between the two preventing the flag from flapping near a single
// threshold.
const (
	valueCacheHighWaterFrac = 0.25
	valueCacheLowWaterFrac  = 0.125

	// evictionTargetFrac is the fraction of the reserve ceiling the
	// eviction loop drives active_batch_kb back down to (spec §4.D
	// persist_batch_references: "while active_batch_kb exceeds 80% of
	// max_reserve_kb").
	evictionTargetFrac = 0.8
)

// storeEntry is one node of the eviction coordinator's MRU list: one per
// BatchStore with at least one active batch.
type storeEntry struct {
	bs          *store.BatchStore
	lastUsedRow int64
}

// evictionCoordinator implements store.EvictionCoordinator and is the
// exclusive owner of lock hierarchy level 2 (spec §5): active_batches (the
// MRU list below) and active_batch_kb. Grounded on the teacher's lruCache
// used for the read-ahead buffer pool, generalized to a full MRU scan
// instead of simple fixed-capacity LRU because spec §4.E's tie-break rule
// requires per-store ordered eviction, not just global recency.
type evictionCoordinator struct {
	mgr *BufferManager

	mu            sync.Mutex
	order         *list.List
	elements      map[string]*list.Element
	activeBatchKB int64

	valueCacheEnabled bool
}

func newEvictionCoordinator(mgr *BufferManager) *evictionCoordinator {
	return &evictionCoordinator{
		mgr:               mgr,
		order:             list.New(),
		elements:          make(map[string]*list.Element),
		valueCacheEnabled: true,
	}
}

func (c *evictionCoordinator) entryFor(bs *store.BatchStore) *storeEntry {
	if el, ok := c.elements[bs.ID()]; ok {
		return el.Value.(*storeEntry)
	}
	se := &storeEntry{bs: bs}
	el := c.order.PushBack(se)
	c.elements[bs.ID()] = el
	return se
}

func (c *evictionCoordinator) touchLocked(bs *store.BatchStore, lastUsedRow int64) {
	el, ok := c.elements[bs.ID()]
	if !ok {
		se := &storeEntry{bs: bs, lastUsedRow: lastUsedRow}
		c.elements[bs.ID()] = c.order.PushBack(se)
		return
	}
	se := el.Value.(*storeEntry)
	se.lastUsedRow = lastUsedRow
	c.order.MoveToBack(el)
}

// Touch implements store.EvictionCoordinator.
func (c *evictionCoordinator) Touch(bs *store.BatchStore, lastUsedRow int64) {
	c.mu.Lock()
	c.touchLocked(bs, lastUsedRow)
	c.mu.Unlock()
}

// Admit implements store.EvictionCoordinator: records mb as active and
// charges its size, then triggers one eviction pass (spec §4.D append).
// It deliberately leaves the store's lastUsedRow cursor untouched — that
// cursor tracks the forward-scan read position set by Touch, not the
// write position, so newly appended batches are immediately eligible for
// the tie-break rule's "no batch precedes the cursor" fallback.
func (c *evictionCoordinator) Admit(mb *store.ManagedBatch) {
	c.mu.Lock()
	c.entryFor(mb.StoreOf())
	mb.StoreOf().UnsafeInsertActive(mb)
	c.activeBatchKB += int64(mb.SizeEstimateKB())
	mb.SetSoftCache(c.valueCacheEnabled || !c.mgr.cfg.UseWeakReferences)
	metrics.ActiveBatchKB.Set(float64(c.activeBatchKB))
	c.mu.Unlock()

	c.runEvictionPass()
}

// Readmit implements store.EvictionCoordinator: re-inserts a resurrected
// batch without forcing an eviction pass (spec §4.E get_batch step 3).
func (c *evictionCoordinator) Readmit(mb *store.ManagedBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryFor(mb.StoreOf())
	mb.StoreOf().UnsafeInsertActive(mb)
	c.activeBatchKB += int64(mb.SizeEstimateKB())
	mb.SetSoftCache(c.valueCacheEnabled || !c.mgr.cfg.UseWeakReferences)
	metrics.ActiveBatchKB.Set(float64(c.activeBatchKB))
}

// Evict implements store.EvictionCoordinator: drops mb from its store's
// index if it is still there, refunding its size only in that case; used
// by the cleanup hook rather than the eviction loop.
func (c *evictionCoordinator) Evict(mb *store.ManagedBatch) {
	c.mu.Lock()
	bs := mb.StoreOf()
	if el, ok := c.elements[bs.ID()]; ok {
		before := bs.UnsafeActiveCount()
		bs.UnsafeRemoveActive(mb.BeginRow())
		if bs.UnsafeActiveCount() < before {
			c.activeBatchKB -= int64(mb.SizeEstimateKB())
		}
		if c.activeBatchKB < 0 {
			c.activeBatchKB = 0
		}
		if bs.UnsafeActiveCount() == 0 {
			c.order.Remove(el)
			delete(c.elements, bs.ID())
		}
		metrics.ActiveBatchKB.Set(float64(c.activeBatchKB))
	}
	c.mu.Unlock()
	c.mgr.hooks.OnEvict(bs.ID(), mb.ID())
}

// RetainSoft implements store.EvictionCoordinator.
func (c *evictionCoordinator) RetainSoft(mb *store.ManagedBatch, b *tuplebatch.Batch) {
	c.mgr.secondChance.Retain(mb.ID(), b)
}

// runEvictionPass implements spec §4.D persist_batch_references: while
// active_batch_kb exceeds 80% of the reserve ceiling, pick the
// least-recently-touched store, ask it for its tie-break victim, remove it
// from accounting, then persist it outside the eviction lock (persist may
// block on I/O, which must never happen while holding lock hierarchy level
// 2 — see the teacher's own practice of never calling into the backend
// while holding the raft node's lock).
func (c *evictionCoordinator) runEvictionPass() {
	for {
		victim, ok := c.pickVictim()
		if !ok {
			return
		}
		c.mgr.hooks.OnEvict(victim.StoreOf().ID(), victim.ID())
		if err := victim.Persist(); err != nil {
			metrics.PersistErrors.Inc()
			if c.mgr.lg != nil {
				c.mgr.lg.Warn("eviction persist failed", zap.Error(err))
			}
			c.mgr.hooks.OnPersist(victim.StoreOf().ID(), victim.ID(), err)
			continue
		}
		metrics.Evictions.Inc()
		c.mgr.hooks.OnPersist(victim.StoreOf().ID(), victim.ID(), nil)
	}
}

// pickVictim removes and returns one eviction victim if active_batch_kb is
// still over threshold, or ok=false once it has drained enough or there is
// nothing left to evict.
func (c *evictionCoordinator) pickVictim() (*store.ManagedBatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ceiling := c.mgr.maxReserveKB
	threshold := int64(evictionTargetFrac * float64(ceiling))
	if ceiling <= 0 || c.activeBatchKB <= threshold {
		return nil, false
	}

	el := c.order.Front()
	if el == nil {
		return nil, false
	}
	se := el.Value.(*storeEntry)
	mb, ok := se.bs.UnsafePeekVictim(se.lastUsedRow)
	if !ok {
		c.order.Remove(el)
		delete(c.elements, se.bs.ID())
		return nil, false
	}
	se.bs.UnsafeRemoveActive(mb.BeginRow())
	c.activeBatchKB -= int64(mb.SizeEstimateKB())
	if c.activeBatchKB < 0 {
		c.activeBatchKB = 0
	}
	if se.bs.UnsafeActiveCount() == 0 {
		c.order.Remove(el)
		delete(c.elements, se.bs.ID())
	} else {
		c.order.MoveToBack(el)
	}
	metrics.ActiveBatchKB.Set(float64(c.activeBatchKB))

	c.maybeToggleValueCacheLocked()
	return mb, true
}

// maybeToggleValueCacheLocked applies the hysteresis described at the top
// of this file. Caller must hold c.mu.
func (c *evictionCoordinator) maybeToggleValueCacheLocked() {
	ceiling := c.mgr.maxReserveKB
	if ceiling <= 0 {
		return
	}
	reserveKB := c.mgr.reserveBatchKB.Load()
	frac := float64(reserveKB) / float64(ceiling)
	switch {
	case !c.valueCacheEnabled && frac > valueCacheHighWaterFrac:
		c.valueCacheEnabled = true
		c.mgr.hooks.OnValueCacheToggled(true)
	case c.valueCacheEnabled && frac < valueCacheLowWaterFrac:
		c.valueCacheEnabled = false
		c.mgr.hooks.OnValueCacheToggled(false)
	}
}

// ActiveBatchKB reports the current accounted size of resident batches
// (spec §8 invariant: sum(size_estimate) == active_batch_kb).
func (c *evictionCoordinator) ActiveBatchKB() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeBatchKB
}
