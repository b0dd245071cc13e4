package protocol

import (
	"encoding/binary"
	"math"
)

// writer appends big endian fields to a byte slice.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) u24(v uint32) {
	w.buf = append(w.buf, byte(v>>16), byte(v>>8), byte(v))
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// block writes a u16 length prefixed byte block
func (w *writer) block(b []byte) error {
	if len(b) > math.MaxUint16 {
		return encodeErr("block of %d bytes is too long", len(b))
	}

	w.u16(uint16(len(b)))
	w.bytes(b)
	return nil
}

// reader consumes big endian fields from a byte slice. The first short read
// is remembered in err and every following read returns zero values, so
// callers only need to check err once after a batch of reads.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || len(r.buf)-r.off < n {
		r.err = decodeErr("payload truncated, wanted %d bytes at offset %d of %d", n, r.off, len(r.buf))
		return nil
	}

	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u24() uint32 {
	b := r.take(3)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// block reads a u16 length prefixed byte block. The result is a copy.
func (r *reader) block() []byte {
	n := r.u16()
	b := r.take(int(n))
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}
