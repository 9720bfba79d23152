// Package wire defines the on-disk binary schema for a TupleBatch record:
// a length-prefixed, CRC32-checksummed frame in the style of the teacher's
// WAL record framing (server/wal/encoder.go, decoder.go), but expressed
// with a plain stdlib schema instead of a protobuf envelope, per spec §9's
// design note that the wire format should be made explicit and portable.
//
// Frame layout (little-endian):
//
//	uint32 payloadLen
//	[]byte payload
//	uint32 crc32 (IEEE, over payload)
//
// Payload layout:
//
//	int64   beginRow
//	uint32  columnCount   (len of the cols passed to EncodeBatch)
//	  per column: uint16 nameLen, []byte name, byte typeTag
//	uint32  rowCount
//	  per row, per column: typed value (see encodeValue/decodeValue)
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/federatedb/bufferpool/internal/errs"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/tuplebatch"
)

// bufferedStreamSize matches the teacher's write-buffer sizing for spill
// I/O (spec §4.E persist: "a 16 KiB buffered stream").
const bufferedStreamSize = 16 * 1024

// EncodeBatch writes b to w as one framed record and returns the number of
// bytes written. The schema is always written (even if b.Columns is nil,
// cols supplies the authoritative schema for that case) so a reader with no
// prior context can still deserialize it.
func EncodeBatch(w io.Writer, b *tuplebatch.Batch, cols schema.Schema) (int64, error) {
	bw := bufio.NewWriterSize(w, bufferedStreamSize)
	payload, err := marshalPayload(b, cols)
	if err != nil {
		return 0, errs.Wrap("wire.EncodeBatch", errs.KindFormat, err)
	}
	sum := crc32.ChecksumIEEE(payload)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	n1, err := bw.Write(hdr[:])
	if err != nil {
		return int64(n1), errs.Wrap("wire.EncodeBatch", errs.KindIO, err)
	}
	n2, err := bw.Write(payload)
	if err != nil {
		return int64(n1 + n2), errs.Wrap("wire.EncodeBatch", errs.KindIO, err)
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)
	n3, err := bw.Write(crcBuf[:])
	if err != nil {
		return int64(n1 + n2 + n3), errs.Wrap("wire.EncodeBatch", errs.KindIO, err)
	}
	if err := bw.Flush(); err != nil {
		return int64(n1 + n2 + n3), errs.Wrap("wire.EncodeBatch", errs.KindIO, err)
	}
	return int64(n1 + n2 + n3), nil
}

// Len reports how many bytes EncodeBatch would write, without writing them,
// so callers can reserve a slot before streaming to disk.
func Len(b *tuplebatch.Batch, cols schema.Schema) (int64, error) {
	payload, err := marshalPayload(b, cols)
	if err != nil {
		return 0, errs.Wrap("wire.Len", errs.KindFormat, err)
	}
	return int64(4 + len(payload) + 4), nil
}

// DecodeBatch reads one framed record from r. Values are always decoded
// with the schema carried on the wire. expected, if non-nil, signals that
// the caller already knows the schema (the common case: the owning
// BatchStore), so the decoded batch's Columns is cleared, matching spec
// §4.E step 4; its contents are not otherwise used.
func DecodeBatch(r io.Reader, expected schema.Schema) (*tuplebatch.Batch, error) {
	br := bufio.NewReaderSize(r, bufferedStreamSize)

	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, errs.Wrap("wire.DecodeBatch", errs.KindIO, err)
	}
	plen := binary.LittleEndian.Uint32(hdr[:])

	payload := make([]byte, plen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, errs.Wrap("wire.DecodeBatch", errs.KindIO, err)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(br, crcBuf[:]); err != nil {
		return nil, errs.Wrap("wire.DecodeBatch", errs.KindIO, err)
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, errs.Wrap("wire.DecodeBatch", errs.KindFormat,
			fmt.Errorf("crc mismatch: got %x want %x", got, want))
	}

	b, cols, err := unmarshalPayload(payload)
	if err != nil {
		return nil, errs.Wrap("wire.DecodeBatch", errs.KindFormat, err)
	}
	if expected != nil {
		b.Columns = nil
	} else {
		b.Columns = cols
	}
	return b, nil
}

func marshalPayload(b *tuplebatch.Batch, cols schema.Schema) ([]byte, error) {
	buf := make([]byte, 0, 64+len(b.Rows)*16)
	buf = appendInt64(buf, b.BeginRow)
	buf = appendUint32(buf, uint32(len(cols)))
	for _, c := range cols {
		buf = appendUint16(buf, uint16(len(c.Name)))
		buf = append(buf, c.Name...)
		buf = append(buf, byte(c.Type))
	}
	buf = appendUint32(buf, uint32(len(b.Rows)))
	for _, row := range b.Rows {
		if len(row) != len(cols) {
			return nil, fmt.Errorf("row has %d values, schema has %d columns", len(row), len(cols))
		}
		for i, v := range row {
			var err error
			buf, err = encodeValue(buf, cols[i].Type, v)
			if err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func unmarshalPayload(buf []byte) (*tuplebatch.Batch, schema.Schema, error) {
	var off int
	beginRow, off, err := readInt64(buf, off)
	if err != nil {
		return nil, nil, err
	}
	colCount, off, err := readUint32(buf, off)
	if err != nil {
		return nil, nil, err
	}
	cols := make(schema.Schema, colCount)
	for i := range cols {
		nameLen, o, err := readUint16(buf, off)
		off = o
		if err != nil {
			return nil, nil, err
		}
		if off+int(nameLen) > len(buf) {
			return nil, nil, fmt.Errorf("truncated column name")
		}
		name := string(buf[off : off+int(nameLen)])
		off += int(nameLen)
		if off >= len(buf) {
			return nil, nil, fmt.Errorf("truncated column type")
		}
		cols[i] = schema.Column{Name: name, Type: schema.Type(buf[off])}
		off++
	}
	rowCount, off, err := readUint32(buf, off)
	if err != nil {
		return nil, nil, err
	}
	rows := make([]tuplebatch.Row, rowCount)
	for i := range rows {
		row := make(tuplebatch.Row, colCount)
		for c := range row {
			v, o, err := decodeValue(buf, off, cols[c].Type)
			off = o
			if err != nil {
				return nil, nil, err
			}
			row[c] = v
		}
		rows[i] = row
	}
	return &tuplebatch.Batch{BeginRow: beginRow, Rows: rows, Serialized: true}, cols, nil
}

func encodeValue(buf []byte, t schema.Type, v tuplebatch.Value) ([]byte, error) {
	switch t {
	case schema.TypeInt32:
		return appendUint32(buf, uint32(int32(v.I64))), nil
	case schema.TypeInt64, schema.TypeTimestamp:
		return appendInt64(buf, v.I64), nil
	case schema.TypeFloat64:
		return appendUint64(buf, mathFloat64bits(v.F64)), nil
	case schema.TypeBool:
		if v.Bool {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case schema.TypeString:
		b := []byte(v.Str)
		buf = appendUint32(buf, uint32(len(b)))
		return append(buf, b...), nil
	case schema.TypeBytes:
		buf = appendUint32(buf, uint32(len(v.Buf)))
		return append(buf, v.Buf...), nil
	case schema.TypeLob:
		b := []byte(v.LobRef)
		buf = appendUint32(buf, uint32(len(b)))
		return append(buf, b...), nil
	default:
		return nil, fmt.Errorf("unknown column type %v", t)
	}
}

func decodeValue(buf []byte, off int, t schema.Type) (tuplebatch.Value, int, error) {
	switch t {
	case schema.TypeInt32:
		u, o, err := readUint32(buf, off)
		return tuplebatch.Value{I64: int64(int32(u))}, o, err
	case schema.TypeInt64, schema.TypeTimestamp:
		i, o, err := readInt64(buf, off)
		return tuplebatch.Value{I64: i}, o, err
	case schema.TypeFloat64:
		u, o, err := readUint64(buf, off)
		return tuplebatch.Value{F64: mathFloat64frombits(u)}, o, err
	case schema.TypeBool:
		if off >= len(buf) {
			return tuplebatch.Value{}, off, fmt.Errorf("truncated bool")
		}
		return tuplebatch.Value{Bool: buf[off] != 0}, off + 1, nil
	case schema.TypeString:
		n, o, err := readUint32(buf, off)
		if err != nil {
			return tuplebatch.Value{}, o, err
		}
		if o+int(n) > len(buf) {
			return tuplebatch.Value{}, o, fmt.Errorf("truncated string")
		}
		return tuplebatch.Value{Str: string(buf[o : o+int(n)])}, o + int(n), nil
	case schema.TypeBytes:
		n, o, err := readUint32(buf, off)
		if err != nil {
			return tuplebatch.Value{}, o, err
		}
		if o+int(n) > len(buf) {
			return tuplebatch.Value{}, o, fmt.Errorf("truncated bytes")
		}
		out := make([]byte, n)
		copy(out, buf[o:o+int(n)])
		return tuplebatch.Value{Buf: out}, o + int(n), nil
	case schema.TypeLob:
		n, o, err := readUint32(buf, off)
		if err != nil {
			return tuplebatch.Value{}, o, err
		}
		if o+int(n) > len(buf) {
			return tuplebatch.Value{}, o, fmt.Errorf("truncated lob ref")
		}
		return tuplebatch.Value{LobRef: string(buf[o : o+int(n)])}, o + int(n), nil
	default:
		return tuplebatch.Value{}, off, fmt.Errorf("unknown column type %v", t)
	}
}
