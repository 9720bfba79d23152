package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v))
}

func readUint16(buf []byte, off int) (uint16, int, error) {
	if off+2 > len(buf) {
		return 0, off, fmt.Errorf("truncated uint16")
	}
	return binary.LittleEndian.Uint16(buf[off:]), off + 2, nil
}

func readUint32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, off, fmt.Errorf("truncated uint32")
	}
	return binary.LittleEndian.Uint32(buf[off:]), off + 4, nil
}

func readUint64(buf []byte, off int) (uint64, int, error) {
	if off+8 > len(buf) {
		return 0, off, fmt.Errorf("truncated uint64")
	}
	return binary.LittleEndian.Uint64(buf[off:]), off + 8, nil
}

func readInt64(buf []byte, off int) (int64, int, error) {
	u, o, err := readUint64(buf, off)
	return int64(u), o, err
}

func mathFloat64bits(f float64) uint64    { return math.Float64bits(f) }
func mathFloat64frombits(u uint64) float64 { return math.Float64frombits(u) }
