// Package tuplebatch defines TupleBatch, the contiguous block of rows that
// the buffer manager accounts, spills, and serves back to operators.
package tuplebatch

import "github.com/federatedb/bufferpool/internal/schema"

// Value is one cell. Exactly one field is meaningful, selected by the
// column's declared schema.Type.
type Value struct {
	I64 int64
	F64 float64
	Bool bool
	Str  string
	Buf  []byte
	// LobRef is the opaque id a TypeLob column carries in place of inline
	// data; LobManager resolves it to a backing stream on read.
	LobRef string
}

// Row is one fixed-width ordered sequence of typed values.
type Row []Value

// Batch is a contiguous block of up to processor_batch_size rows. Batches
// are immutable once their TupleBuffer is closed; BeginRow/Len define the row range
// [BeginRow, BeginRow+Len) that must be non-overlapping and contiguous
// within one tuple buffer.
type Batch struct {
	BeginRow int64
	Rows     []Row
	// Columns is nil once stripped (spec §3: "may be stripped once known
	// by context").
	Columns schema.Schema
	// Serialized is true once this batch has been written to disk at
	// least once (spec §4.E persist, idempotence in §8).
	Serialized bool
	// HasLobs is set when deserialization could not resolve every LOB
	// reference; see lob.Manager.Rewrite and BufferManager restore rules.
	HasLobs bool
}

// Len is the number of rows in the batch.
func (b *Batch) Len() int { return len(b.Rows) }

// EndRow is the exclusive upper bound of the batch's row range.
func (b *Batch) EndRow() int64 { return b.BeginRow + int64(len(b.Rows)) }

// StripColumns clears the on-wire type descriptors once the caller already
// knows the schema from context (e.g. after a disk read where the owning
// BatchStore's schema is authoritative).
func (b *Batch) StripColumns() { b.Columns = nil }
