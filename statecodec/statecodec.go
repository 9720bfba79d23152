// Package statecodec implements BufferManager.get_state/set_state (spec
// §4.H): serializing every live TupleBuffer to a byte stream and replaying
// it against a (possibly different) BufferManager.
//
// Grounded on the teacher's server/wal framing style, reusing the
// internal/wire per-batch codec for the row payload and a small
// length-prefixed header scheme. Each buffer is written as (id,
// source_type, row_count, batch_size, prefers_memory, schema,
// batch_count, batch1, batch2, ...), after a leading buffer count.
package statecodec

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/federatedb/bufferpool/buffer"
	"github.com/federatedb/bufferpool/internal/errs"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/wire"
)

// EncodeState implements get_state: writes every buffer currently
// registered on mgr to w.
func EncodeState(mgr *buffer.BufferManager, w io.Writer) error {
	bw := bufio.NewWriter(w)
	bufs := mgr.Buffers()

	if err := writeUint32(bw, uint32(len(bufs))); err != nil {
		return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
	}
	for _, tb := range bufs {
		if err := encodeOne(bw, tb); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
	}
	return nil
}

func encodeOne(w *bufio.Writer, tb *buffer.TupleBuffer) error {
	if err := writeString(w, tb.ID()); err != nil {
		return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
	}
	if err := writeString(w, string(tb.SourceType())); err != nil {
		return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
	}
	if err := writeInt64(w, tb.RowCount()); err != nil {
		return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
	}
	if err := writeUint32(w, uint32(tb.BatchSize())); err != nil {
		return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
	}
	if err := writeBool(w, tb.PrefersMemory()); err != nil {
		return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
	}
	if err := writeSchema(w, tb.Schema()); err != nil {
		return err
	}

	batches := tb.Batches()
	if err := writeUint32(w, uint32(len(batches))); err != nil {
		return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
	}
	for _, mb := range batches {
		b, err := mb.GetBatch(false, nil)
		if err != nil {
			return errs.Wrap("statecodec.EncodeState", errs.KindIO, err)
		}
		if _, err := wire.EncodeBatch(w, b, tb.Schema()); err != nil {
			return err
		}
	}
	return nil
}

// DecodeState implements set_state: replays a stream written by
// EncodeState against mgr, reinstalling every buffer it describes. If any
// buffer fails to restore in full — a truncated batch record, or a batch
// whose LOB columns cannot be resolved against mgr's (typically empty)
// LOB streams (spec §8: restoring a has_lobs buffer into an empty LOB
// store must fail, not produce a corrupted batch) — that buffer is
// removed and DecodeState returns a KindFormat error; buffers already
// fully restored before the failing one remain installed.
func DecodeState(mgr *buffer.BufferManager, r io.Reader) error {
	br := bufio.NewReader(r)

	count, err := readUint32(br)
	if err != nil {
		return errs.Wrap("statecodec.DecodeState", errs.KindIO, err)
	}
	for i := uint32(0); i < count; i++ {
		if err := decodeOne(mgr, br); err != nil {
			return err
		}
	}
	return nil
}

func decodeOne(mgr *buffer.BufferManager, br *bufio.Reader) error {
	id, err := readString(br)
	if err != nil {
		return errs.Wrap("statecodec.DecodeState", errs.KindIO, err)
	}
	sourceType, err := readString(br)
	if err != nil {
		return errs.Wrap("statecodec.DecodeState", errs.KindIO, err)
	}
	_, err = readInt64(br) // row_count: recomputed from the replayed batches below.
	if err != nil {
		return errs.Wrap("statecodec.DecodeState", errs.KindIO, err)
	}
	_, err = readUint32(br) // batch_size: TupleBuffer.batchSize comes from mgr's own config.
	if err != nil {
		return errs.Wrap("statecodec.DecodeState", errs.KindIO, err)
	}
	_, err = readBool(br) // prefers_memory: likewise sourced from mgr's config on restore.
	if err != nil {
		return errs.Wrap("statecodec.DecodeState", errs.KindIO, err)
	}
	sch, err := readSchema(br)
	if err != nil {
		return err
	}
	batchCount, err := readUint32(br)
	if err != nil {
		return errs.Wrap("statecodec.DecodeState", errs.KindIO, err)
	}

	tb, err := mgr.RestoreTupleBuffer(id, sch, "", buffer.SourceType(sourceType))
	if err != nil {
		return errs.Wrap("statecodec.DecodeState", errs.KindFormat, err)
	}

	for i := uint32(0); i < batchCount; i++ {
		b, err := wire.DecodeBatch(br, sch)
		if err != nil {
			mgr.RemoveByID(id)
			return errs.Wrap("statecodec.DecodeState", errs.KindFormat, err)
		}
		mb, aerr := tb.Append(b.Rows)
		if aerr != nil {
			mgr.RemoveByID(id)
			return errs.Wrap("statecodec.DecodeState", errs.KindFormat, aerr)
		}
		if err := mb.Persist(); err != nil {
			mgr.RemoveByID(id)
			return errs.Wrap("statecodec.DecodeState", errs.KindFormat, err)
		}
		mb.DropCache()
		if _, err := mb.GetBatch(false, sch); err != nil {
			mgr.RemoveByID(id)
			return errs.Wrap("statecodec.DecodeState", errs.KindFormat, err)
		}
	}
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func writeBool(w io.Writer, v bool) error {
	var b byte
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeSchema(w io.Writer, sch schema.Schema) error {
	if err := writeUint32(w, uint32(len(sch))); err != nil {
		return errs.Wrap("statecodec.writeSchema", errs.KindIO, err)
	}
	for _, c := range sch {
		if err := writeString(w, c.Name); err != nil {
			return errs.Wrap("statecodec.writeSchema", errs.KindIO, err)
		}
		if _, err := w.Write([]byte{byte(c.Type)}); err != nil {
			return errs.Wrap("statecodec.writeSchema", errs.KindIO, err)
		}
	}
	return nil
}

func readSchema(r io.Reader) (schema.Schema, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, errs.Wrap("statecodec.readSchema", errs.KindIO, err)
	}
	sch := make(schema.Schema, n)
	for i := range sch {
		name, err := readString(r)
		if err != nil {
			return nil, errs.Wrap("statecodec.readSchema", errs.KindIO, err)
		}
		var tbuf [1]byte
		if _, err := io.ReadFull(r, tbuf[:]); err != nil {
			return nil, errs.Wrap("statecodec.readSchema", errs.KindIO, err)
		}
		sch[i] = schema.Column{Name: name, Type: schema.Type(tbuf[0])}
	}
	return sch, nil
}
