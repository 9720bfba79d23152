package store

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/federatedb/bufferpool/internal/errs"
	"github.com/federatedb/bufferpool/internal/filestore"
	"github.com/federatedb/bufferpool/internal/lob"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/sizeutil"
	"github.com/federatedb/bufferpool/internal/tuplebatch"
	"github.com/federatedb/bufferpool/internal/wire"
)

// compactionThresholdBytes and wasteNumerator/wasteDenominator implement
// spec §4.D's compaction predicate: file length > 32 MiB and
// unused_space * 4 > file_length * 3 (>= 75% waste).
const (
	compactionThresholdBytes = 32 * 1024 * 1024
	wasteNumerator           = 4
	wasteDenominator         = 3
	copyBufferBytes          = 16 * 1024
)

// EvictionCoordinator is the BufferManager-side counterpart BatchStore and
// ManagedBatch call into for the global accounting and MRU bookkeeping
// that spec §5 places under the eviction lock. It is expressed as an
// interface (rather than a direct dependency on package buffer) so store
// never imports buffer, avoiding an import cycle the way the teacher
// avoids one between backend and its callers via the Backend/Hooks
// interfaces.
type EvictionCoordinator interface {
	// Touch marks store most-recently-used and records lastUsedRow as its
	// victim-selection cursor.
	Touch(store *BatchStore, lastUsedRow int64)
	// Admit records a freshly-appended mb as active, charges its size,
	// and triggers one eviction pass.
	Admit(mb *ManagedBatch)
	// Readmit re-inserts mb (resurrected from its reference) into the
	// eviction index and charges its size, without forcing an eviction
	// pass (mirrors spec §4.E get_batch step 3's "reinsert... charge").
	Readmit(mb *ManagedBatch)
	// Evict removes mb from the eviction index if it is there and, in that
	// case, refunds its size; used by the cleanup hook.
	Evict(mb *ManagedBatch)
	// RetainSoft keeps b strongly reachable in the second-chance cache
	// until memory pressure displaces it.
	RetainSoft(mb *ManagedBatch, b *tuplebatch.Batch)
}

// physicalEntry is one entry of a BatchStore's physical map.
type physicalEntry struct {
	offset int64
	length int64
}

// btreeEntry adapts a ManagedBatch to google/btree's classic Item
// interface (grounded on the teacher's server/mvcc/key_index.go, whose
// keyIndex implements the same Less(btree.Item) bool contract).
type btreeEntry struct {
	key int64
	mb  *ManagedBatch
}

func (e *btreeEntry) Less(than btree.Item) bool {
	return e.key < than.(*btreeEntry).key
}

// BatchStore owns one append-only FileStore plus the physical map,
// compaction lock, and per-store eviction index described in spec §4.D.
type BatchStore struct {
	id     string
	lg     *zap.Logger
	fs     filestore.FileStore
	sm     filestore.StorageManager
	coord  EvictionCoordinator
	schema schema.Schema
	lob    *lob.Manager
	est    *sizeutil.Estimator

	// compactionMu is lock hierarchy level 4: readers (disk reads) take
	// RLock, the compactor and persistBatch take Lock.
	compactionMu sync.RWMutex

	physMu  sync.Mutex
	physMap map[int64]physicalEntry

	unusedSpace atomic.Int64
	nextID      atomic.Int64

	// index is the per-store eviction index (spec §4.D), keyed by
	// begin_row. It is mutated only by the EvictionCoordinator methods
	// above, which are always invoked while the BufferManager holds its
	// eviction lock (lock hierarchy level 2) — see the Unsafe* method
	// names below, the teacher's own convention for "caller must hold
	// the lock" (batch_tx.go's UnsafePut/UnsafeDelete/...).
	index *btree.BTree

	processorBatchSize int
}

// StoreConfig bundles what BufferManager.CreateTupleBuffer needs to construct a
// BatchStore.
type StoreConfig struct {
	ID                 string
	Logger             *zap.Logger
	FileStore          filestore.FileStore
	StorageManager     filestore.StorageManager
	Coordinator        EvictionCoordinator
	Schema             schema.Schema
	Estimator          *sizeutil.Estimator
	HasLobs            bool
	ProcessorBatchSize int
}

// NewBatchStore constructs a BatchStore bound to an already-opened
// FileStore (spec §4.D).
func NewBatchStore(cfg StoreConfig) *BatchStore {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	var lm *lob.Manager
	if cfg.HasLobs {
		lm = lob.New()
	}
	return &BatchStore{
		id:                 cfg.ID,
		lg:                 lg,
		fs:                 cfg.FileStore,
		sm:                 cfg.StorageManager,
		coord:              cfg.Coordinator,
		schema:             cfg.Schema,
		lob:                lm,
		est:                cfg.Estimator,
		physMap:            make(map[int64]physicalEntry),
		index:              btree.New(32),
		processorBatchSize: cfg.ProcessorBatchSize,
	}
}

// ID returns the store's id.
func (s *BatchStore) ID() string { return s.id }

// CreateStorage opens a subordinate FileStore for auxiliary data, e.g. an
// ordered-tree index's key pages (spec §4.D create_storage).
func (s *BatchStore) CreateStorage(prefix string) (filestore.FileStore, error) {
	fs, err := s.sm.CreateFileStore(prefix)
	if err != nil {
		return nil, errs.Wrap("BatchStore.CreateStorage", errs.KindIO, err)
	}
	return fs, nil
}

// Append creates a ManagedBatch in the Resident state for b, estimates its
// size, records it in the eviction index, then asks the coordinator to run
// one eviction pass (spec §4.D append).
func (s *BatchStore) Append(b *tuplebatch.Batch) *ManagedBatch {
	cols := s.schema
	if b.Columns != nil {
		cols = b.Columns
	}
	sizeKB := s.est.EstimateKB(cols, len(b.Rows))

	mb := &ManagedBatch{
		id:             s.nextID.Add(1),
		beginRow:       b.BeginRow,
		store:          s,
		active:         b,
		sizeEstimateKB: sizeKB,
		lobManager:     s.lob,
	}
	s.coord.Admit(mb)
	return mb
}

// Remove deletes the underlying file (spec §4.D remove).
func (s *BatchStore) Remove() error {
	if err := s.fs.Remove(); err != nil {
		return errs.Wrap("BatchStore.Remove", errs.KindIO, err)
	}
	return nil
}

// UnsafeInsertActive inserts mb into the per-store eviction index. Must be
// called while the owning BufferManager holds its eviction lock.
func (s *BatchStore) UnsafeInsertActive(mb *ManagedBatch) {
	s.index.ReplaceOrInsert(&btreeEntry{key: mb.beginRow, mb: mb})
}

// UnsafeRemoveActive removes the entry keyed by beginRow. Must be called
// under the eviction lock.
func (s *BatchStore) UnsafeRemoveActive(beginRow int64) {
	s.index.Delete(&btreeEntry{key: beginRow})
}

// UnsafeActiveCount reports how many batches remain in the index. Must be
// called under the eviction lock.
func (s *BatchStore) UnsafeActiveCount() int {
	return s.index.Len()
}

// UnsafePeekVictim applies spec §4.E's tie-break rule: the victim is the
// entry with the greatest key <= lastUsedRow-1, or the largest key if none
// precedes lastUsedRow. Must be called under the eviction lock.
func (s *BatchStore) UnsafePeekVictim(lastUsedRow int64) (*ManagedBatch, bool) {
	if s.index.Len() == 0 {
		return nil, false
	}
	var found *btreeEntry
	s.index.DescendLessOrEqual(&btreeEntry{key: lastUsedRow - 1}, func(item btree.Item) bool {
		found = item.(*btreeEntry)
		return false
	})
	if found == nil {
		// No batch precedes the cursor: take the largest key.
		found = s.index.Max().(*btreeEntry)
	}
	return found.mb, true
}

// persistBatch reserves space for a serialized batch and appends it,
// triggering compaction first if the store's waste predicate is met (spec
// §4.D compaction, §4.E persist step 2). Reservation (reading the current
// file length) and the append itself happen under a single
// compactionMu.Lock() — lock hierarchy level 4's writer lock, per spec §5
// — so two concurrent persists for the same store can never both reserve
// the same offset: CreateOutputStream always appends at the file's
// current end, so the offset read here must stay valid until the bytes
// land, and readBatch's RLock (taken separately, only after the entry is
// recorded) excludes a compaction mid-write but not a second concurrent
// writer.
func (s *BatchStore) persistBatch(id int64, b *tuplebatch.Batch, cols schema.Schema) (int64, error) {
	if err := s.maybeCompact(); err != nil {
		return 0, err
	}
	s.compactionMu.Lock()
	defer s.compactionMu.Unlock()

	offset, err := s.fs.Length()
	if err != nil {
		return 0, err
	}

	w, err := s.fs.CreateOutputStream()
	if err != nil {
		return 0, err
	}
	n, err := wire.EncodeBatch(w, b, cols)
	if err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	s.recordPhysical(id, offset, n)
	return n, nil
}

// readBatch deserializes the batch stored under id (spec §4.E get_batch
// step 4). It returns NotFound if the physical map entry has been cleaned
// up, and Format/Io errors as appropriate.
func (s *BatchStore) readBatch(id int64, expected schema.Schema) (*tuplebatch.Batch, error) {
	s.physMu.Lock()
	entry, ok := s.physMap[id]
	s.physMu.Unlock()
	if !ok {
		return nil, errs.New("BatchStore.readBatch", errs.KindNotFound)
	}

	s.compactionMu.RLock()
	defer s.compactionMu.RUnlock()

	r, err := s.fs.CreateInputStream(entry.offset)
	if err != nil {
		return nil, errs.Wrap("BatchStore.readBatch", errs.KindIO, err)
	}
	defer r.Close()

	lr := io.LimitReader(r, entry.length)
	b, err := wire.DecodeBatch(lr, expected)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// recordPhysical records a batch's (offset, length) in the physical map
// (spec §4.E persist step 2).
func (s *BatchStore) recordPhysical(id, offset, length int64) {
	s.physMu.Lock()
	s.physMap[id] = physicalEntry{offset: offset, length: length}
	s.physMu.Unlock()
}

// freeSlot removes id's physical map entry and credits its length to
// unused_space (spec §4.E get_cleanup_hook).
func (s *BatchStore) freeSlot(id int64) {
	s.physMu.Lock()
	entry, ok := s.physMap[id]
	if ok {
		delete(s.physMap, id)
	}
	s.physMu.Unlock()
	if ok {
		s.unusedSpace.Add(entry.length)
	}
}

// Stats reports the §8 invariant quantities for this store.
type Stats struct {
	FileLength  int64
	UnusedSpace int64
	LiveBytes   int64
	BatchCount  int
}

// Stats returns a point-in-time snapshot of the store's physical layout.
func (s *BatchStore) Stats() (Stats, error) {
	n, err := s.fs.Length()
	if err != nil {
		return Stats{}, errs.Wrap("BatchStore.Stats", errs.KindIO, err)
	}
	s.physMu.Lock()
	defer s.physMu.Unlock()
	var live int64
	for _, e := range s.physMap {
		live += e.length
	}
	return Stats{
		FileLength:  n,
		UnusedSpace: s.unusedSpace.Load(),
		LiveBytes:   live,
		BatchCount:  len(s.physMap),
	}, nil
}

func (s *BatchStore) shouldCompact() (bool, int64, error) {
	n, err := s.fs.Length()
	if err != nil {
		return false, 0, err
	}
	if n <= compactionThresholdBytes {
		return false, n, nil
	}
	waste := s.unusedSpace.Load()
	return waste*wasteNumerator > n*wasteDenominator, n, nil
}
