package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/federatedb/bufferpool/internal/errs"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/tuplebatch"
	"github.com/federatedb/bufferpool/store"
)

// TupleBufferState is one of open/closed/removed (spec §3).
type TupleBufferState int32

const (
	StateOpen TupleBufferState = iota
	StateClosed
	StateRemoved
)

// SourceType names the operator kind a tuple buffer was created for
// (spec §4.F create_tuple_buffer), used only for naming/diagnostics.
type SourceType string

// TupleBuffer is an ordered, immutable-after-close sequence of TupleBatches
// identified by a unique id (spec §3). Rows are appended until Close;
// thereafter it is read-only.
type TupleBuffer struct {
	id            string
	schema        schema.Schema
	group         string
	sourceType    SourceType
	batchSize     int
	prefersMemory bool
	hasLobs       bool
	forwardOnly   bool

	state atomic.Int32

	mgr   *BufferManager
	store *store.BatchStore

	mu       sync.Mutex
	batches  []*store.ManagedBatch
	rowCount int64
}

// ID returns the tuple buffer's monotonic id.
func (tb *TupleBuffer) ID() string { return tb.id }

// Schema returns the tuple buffer's column schema.
func (tb *TupleBuffer) Schema() schema.Schema { return tb.schema }

// RowCount returns the total number of rows appended so far.
func (tb *TupleBuffer) RowCount() int64 { return atomic.LoadInt64(&tb.rowCount) }

// BatchSize returns the configured batch size for this buffer.
func (tb *TupleBuffer) BatchSize() int { return tb.batchSize }

// SourceType returns the operator kind this buffer was created for.
func (tb *TupleBuffer) SourceType() SourceType { return tb.sourceType }

// Group returns the plan/group label this buffer was created under.
func (tb *TupleBuffer) Group() string { return tb.group }

// PrefersMemory reports the hint to use soft rather than weak references
// on eviction.
func (tb *TupleBuffer) PrefersMemory() bool { return tb.prefersMemory }

// HasLobs reports whether this buffer's schema carries LOB columns.
func (tb *TupleBuffer) HasLobs() bool { return tb.hasLobs }

// ForwardOnly reports whether this buffer is read in a single forward pass.
func (tb *TupleBuffer) ForwardOnly() bool { return tb.forwardOnly }

// State returns the current lifecycle state.
func (tb *TupleBuffer) State() TupleBufferState {
	return TupleBufferState(tb.state.Load())
}

// BatchCount returns the number of batches appended so far.
func (tb *TupleBuffer) BatchCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.batches)
}

// BatchAt returns the ManagedBatch at the given index in append order.
func (tb *TupleBuffer) BatchAt(i int) (*store.ManagedBatch, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if i < 0 || i >= len(tb.batches) {
		return nil, false
	}
	return tb.batches[i], true
}

// Batches returns a snapshot of the buffer's managed batches in append
// order.
func (tb *TupleBuffer) Batches() []*store.ManagedBatch {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]*store.ManagedBatch, len(tb.batches))
	copy(out, tb.batches)
	return out
}

// Append adds rows as a new batch, assigning it the next contiguous row
// range (spec §3 invariant: ranges are non-overlapping and contiguous).
func (tb *TupleBuffer) Append(rows []tuplebatch.Row) (*store.ManagedBatch, error) {
	if tb.State() != StateOpen {
		return nil, errs.New("TupleBuffer.Append", errs.KindClosed)
	}
	tb.mu.Lock()
	begin := tb.rowCount
	b := &tuplebatch.Batch{BeginRow: begin, Rows: rows, Columns: tb.schema}
	tb.rowCount += int64(len(rows))
	tb.mu.Unlock()

	mb := tb.store.Append(b)

	tb.mu.Lock()
	tb.batches = append(tb.batches, mb)
	tb.mu.Unlock()
	return mb, nil
}

// Close marks the buffer read-only (spec §3 lifecycle).
func (tb *TupleBuffer) Close() error {
	tb.state.CompareAndSwap(int32(StateOpen), int32(StateClosed))
	return nil
}

// Remove explicitly removes the buffer: its store is deleted and every
// batch's cleanup hook runs immediately. This is the only path that runs
// those hooks; dropping the last reference to a TupleBuffer does not.
func (tb *TupleBuffer) Remove() error {
	if !tb.state.CompareAndSwap(int32(StateOpen), int32(StateRemoved)) {
		tb.state.CompareAndSwap(int32(StateClosed), int32(StateRemoved))
	}
	tb.mgr.registry.Remove(tb.id)
	for _, mb := range tb.Batches() {
		mb.Close()
	}
	return tb.store.Remove()
}
