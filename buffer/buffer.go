// Package buffer implements BufferManager (spec §4.F): the per-process
// singleton that sizes the reserve pool from host RAM, mints TupleBuffers
// backed by BatchStores, and runs the admission and eviction machinery
// described in spec §5's lock hierarchy.
//
// Grounded on the teacher's top-level EtcdServer/backend wiring
// (server/mvcc/backend/backend.go): a constructor that auto-sizes from
// environment facts, a background goroutine doing periodic maintenance
// (here, nothing periodic is needed — eviction runs synchronously from the
// calls that make it necessary — but Close still drains outstanding work
// the way backend.Close waits on its goroutines), and Hooks for
// observability instead of hardcoded globals.
package buffer

import (
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/federatedb/bufferpool/config"
	"github.com/federatedb/bufferpool/internal/errs"
	"github.com/federatedb/bufferpool/internal/filestore"
	"github.com/federatedb/bufferpool/internal/metrics"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/sizeutil"
	"github.com/federatedb/bufferpool/registry"
	"github.com/federatedb/bufferpool/store"
)

// secondChanceCacheSize bounds the BufferManager-wide SecondChanceCache
// (spec §9 design note substitutes a bounded LRU for host soft
// references); sized generously since entries are evicted by capacity, not
// by a fixed batch-count budget tied to the reserve pool.
const secondChanceCacheSize = 4096

// BufferManager is the top-level coordinator described in spec §4.F. One
// instance is shared by every query plan in the process.
type BufferManager struct {
	cfg config.Config
	lg  *zap.Logger
	sm  filestore.StorageManager
	hooks Hooks

	est          *sizeutil.Estimator
	secondChance *store.SecondChanceCache
	registry     *registry.Registry[TupleBuffer]

	admission      *admission
	reserveBatchKB atomic.Int64
	maxReserveKB   int64

	maxProcessingKB int64

	evictor *evictionCoordinator

	nextBufferID atomic.Int64
	nextStoreID  atomic.Int64

	closeOnce sync.Once
}

// New constructs a BufferManager, auto-sizing any zero-valued capacity
// fields in cfg from host RAM (spec §4.F initialize). sm mints the
// FileStores backing every BatchStore; hooks may be nil, in which case
// NopHooks is used.
func New(cfg config.Config, sm filestore.StorageManager, hooks Hooks, lg *zap.Logger) (*BufferManager, error) {
	if sm == nil {
		return nil, errs.New("buffer.New", errs.KindFormat)
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	if hooks == nil {
		hooks = NopHooks{}
	}

	ram := config.TotalSystemRAMBytes()
	if cfg.MaxReserveKB == 0 {
		cfg.MaxReserveKB = config.AutoSizeReserveKB(ram)
	}
	if cfg.MaxProcessingKB == 0 {
		cfg.MaxProcessingKB = config.AutoSizeProcessingKB(ram, cfg.ProcessorBatchSize, cfg.MaxActivePlans)
	}

	m := &BufferManager{
		cfg:             cfg,
		lg:              lg,
		sm:              sm,
		hooks:           hooks,
		est:             sizeutil.New(),
		registry:        registry.New[TupleBuffer](),
		admission:       newAdmission(),
		maxReserveKB:    cfg.MaxReserveKB,
		maxProcessingKB: cfg.MaxProcessingKB,
	}
	m.secondChance = store.NewSecondChanceCache(secondChanceCacheSize, lg)
	m.evictor = newEvictionCoordinator(m)
	m.reserveBatchKB.Store(cfg.MaxReserveKB)
	metrics.ReserveBatchKB.Set(float64(cfg.MaxReserveKB))

	lg.Info("buffer manager initialized",
		zap.Int64("max-reserve-kb", cfg.MaxReserveKB),
		zap.Int64("max-processing-kb", cfg.MaxProcessingKB),
	)
	return m, nil
}

// MaxReserveKB returns the reserve pool ceiling in effect (after
// auto-sizing, if cfg.MaxReserveKB was zero).
func (m *BufferManager) MaxReserveKB() int64 { return m.maxReserveKB }

// MaxProcessingKB returns the per-operator ceiling in effect.
func (m *BufferManager) MaxProcessingKB() int64 { return m.maxProcessingKB }

// ReserveBatchKB returns the current signed reserve pool balance.
func (m *BufferManager) ReserveBatchKB() int64 { return m.reserveBatchKB.Load() }

// ActiveBatchKB returns the current accounted size of resident batches.
func (m *BufferManager) ActiveBatchKB() int64 { return m.evictor.ActiveBatchKB() }

// CreateFileStore mints a new named FileStore via the injected
// StorageManager (spec §4.F create_file_store).
func (m *BufferManager) CreateFileStore(name string) (filestore.FileStore, error) {
	fs, err := m.sm.CreateFileStore(name)
	if err != nil {
		return nil, errs.Wrap("BufferManager.CreateFileStore", errs.KindIO, err)
	}
	return fs, nil
}

// GetSchemaSizeKB implements spec §4.F get_schema_size: the estimated
// footprint of one full batch of cols at the configured processor batch
// size.
func (m *BufferManager) GetSchemaSizeKB(cols schema.Schema) int {
	return m.est.GetSchemaSizeKB(cols, m.cfg.ProcessorBatchSize)
}

// CreateTupleBuffer implements spec §4.F create_tuple_buffer: mints a
// fresh TupleBuffer id, opens its backing BatchStore, and registers it.
func (m *BufferManager) CreateTupleBuffer(sch schema.Schema, group string, sourceType SourceType) (*TupleBuffer, error) {
	bufID := m.nextBufferID.Add(1)
	storeID := storeName(bufID)

	fs, err := m.CreateFileStore(storeID)
	if err != nil {
		return nil, err
	}

	bs := store.NewBatchStore(store.StoreConfig{
		ID:                 storeID,
		Logger:             m.lg,
		FileStore:          fs,
		StorageManager:     m.sm,
		Coordinator:        m.evictor,
		Schema:             sch,
		Estimator:          m.est,
		HasLobs:            sch.HasLobs(),
		ProcessorBatchSize: m.cfg.ProcessorBatchSize,
	})

	tb := &TupleBuffer{
		id:            storeID,
		schema:        sch,
		group:         group,
		sourceType:    sourceType,
		batchSize:     m.cfg.ConnectorBatchSize,
		prefersMemory: !m.cfg.UseWeakReferences,
		hasLobs:       sch.HasLobs(),
		mgr:           m,
		store:         bs,
	}
	tb.state.Store(int32(StateOpen))

	m.registry.Add(tb.id, tb)
	return tb, nil
}

// Buffers returns every currently-registered TupleBuffer, used by
// statecodec to walk the live set during get_state.
func (m *BufferManager) Buffers() []*TupleBuffer {
	return m.registry.All()
}

// RestoreTupleBuffer reinstalls a TupleBuffer under a caller-chosen id,
// used by statecodec when replaying a snapshot (spec §4.H set_state): the
// id must be preserved across the round trip since other nodes may already
// hold references obtained via distribute_tuple_buffer before the
// snapshot was taken.
func (m *BufferManager) RestoreTupleBuffer(id string, sch schema.Schema, group string, sourceType SourceType) (*TupleBuffer, error) {
	storeID := "restored-" + id
	fs, err := m.CreateFileStore(storeID)
	if err != nil {
		return nil, err
	}
	bs := store.NewBatchStore(store.StoreConfig{
		ID:                 storeID,
		Logger:             m.lg,
		FileStore:          fs,
		StorageManager:     m.sm,
		Coordinator:        m.evictor,
		Schema:             sch,
		Estimator:          m.est,
		HasLobs:            sch.HasLobs(),
		ProcessorBatchSize: m.cfg.ProcessorBatchSize,
	})
	tb := &TupleBuffer{
		id:            id,
		schema:        sch,
		group:         group,
		sourceType:    sourceType,
		batchSize:     m.cfg.ConnectorBatchSize,
		prefersMemory: !m.cfg.UseWeakReferences,
		hasLobs:       sch.HasLobs(),
		mgr:           m,
		store:         bs,
	}
	tb.state.Store(int32(StateOpen))
	m.registry.Add(tb.id, tb)
	return tb, nil
}

// RemoveByID removes and unregisters id without requiring the caller to
// already hold a *TupleBuffer, used by statecodec to discard a partially
// restored buffer on failure.
func (m *BufferManager) RemoveByID(id string) {
	if tb, ok := m.registry.Get(id); ok {
		tb.Remove()
	}
}

// GetTupleBuffer implements spec §4.G get_tuple_buffer.
func (m *BufferManager) GetTupleBuffer(id string) (*TupleBuffer, bool) {
	return m.registry.Get(id)
}

// DistributeTupleBuffer implements spec §4.G distribute_tuple_buffer.
func (m *BufferManager) DistributeTupleBuffer(tb *TupleBuffer) {
	m.registry.Distribute(tb.id, tb)
}

// Stats is a point-in-time snapshot of BufferManager-level invariants
// (spec §8).
type Stats struct {
	ReserveBatchKB int64
	ActiveBatchKB  int64
	MaxReserveKB   int64
	LiveBuffers    int
}

// Stats returns a snapshot suitable for the §8 invariant checks.
func (m *BufferManager) Stats() Stats {
	return Stats{
		ReserveBatchKB: m.reserveBatchKB.Load(),
		ActiveBatchKB:  m.evictor.ActiveBatchKB(),
		MaxReserveKB:   m.maxReserveKB,
		LiveBuffers:    m.registry.Len(),
	}
}

// Close drains the BufferManager, mirroring the teacher's backend.Close
// pattern of waiting for background work to settle before returning.
// There is no standing background goroutine here (eviction runs inline
// with the calls that provoke it), so Close only needs to be idempotent.
func (m *BufferManager) Close() error {
	m.closeOnce.Do(func() {
		m.lg.Info("buffer manager closed")
	})
	return nil
}

func storeName(id int64) string {
	return "tuplebuffer-" + strconv.FormatInt(id, 10)
}
