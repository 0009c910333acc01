// Package kbin implements the primitive byte-level encoding and decoding
// used by every wire schema in pkg/kmsg. It knows nothing about request or
// response shapes; it only knows how to append and read the primitive
// protocol types described by the broker's wire format (int8, int16, int32,
// int64, string, bytes and arrays of them).
package kbin

import (
	"encoding/binary"
	"errors"
	"math"
	"unicode/utf8"
)

// ErrNotEnoughData is returned by Reader methods when the underlying slice
// is exhausted before a field can be fully read.
var ErrNotEnoughData = errors.New("kbin: not enough data to read this field")

// ErrMalformedInput is returned when a length-prefixed field carries a
// negative length below the null sentinel (-1), or when a string field's
// bytes are not valid UTF-8.
var ErrMalformedInput = errors.New("kbin: malformed length or encoding")

// ElemType enumerates the primitive element types an array can carry.
// AddArray and ReadArray take a per-element callback rather than an
// ElemType, so nothing in this package consumes it.
type ElemType int8

const (
	Int8 ElemType = iota
	Int16
	Int32
	Int64
	String
	Bytes
)

// Builder appends primitive protocol values into a growable byte buffer.
// A zero-value Builder is ready to use. Once TakeBytes is called, the
// Builder is consumed; further appends panic, Go's usual "programmer
// error" idiom for use-after-consume.
type Builder struct {
	buf  []byte
	done bool
}

// NewBuilder returns a Builder with buf as its initial backing array. Passing
// a reused buffer (buf[:0]) avoids an allocation per message.
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf}
}

func (b *Builder) assertLive() {
	if b.done {
		panic("kbin: Builder used after TakeBytes")
	}
}

func (b *Builder) AddInt8(v int8) {
	b.assertLive()
	b.buf = append(b.buf, byte(v))
}

func (b *Builder) AddInt16(v int16) {
	b.assertLive()
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Builder) AddInt32(v int32) {
	b.assertLive()
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Builder) AddInt64(v int64) {
	b.assertLive()
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.buf = append(b.buf, tmp[:]...)
}

// AddString appends a length-prefixed UTF-8 string. A nil *string appends
// the null sentinel (length -1) with no body.
func (b *Builder) AddString(s *string) {
	b.assertLive()
	if s == nil {
		b.AddInt16(-1)
		return
	}
	b.AddInt16(int16(len(*s)))
	b.buf = append(b.buf, *s...)
}

// AddBytes appends a length-prefixed byte slice. A nil slice appends the
// null sentinel (length -1, exactly 0xFF 0xFF 0xFF 0xFF) with no body.
func (b *Builder) AddBytes(p []byte) {
	b.assertLive()
	if p == nil {
		b.AddInt32(-1)
		return
	}
	b.AddInt32(int32(len(p)))
	b.buf = append(b.buf, p...)
}

// AddRaw appends p verbatim with no length prefix. Used by higher-level
// schemas that have already built and framed a sub-encoding (for example a
// CRC-checked Message) and need to splice its bytes in directly.
func (b *Builder) AddRaw(p []byte) {
	b.assertLive()
	b.buf = append(b.buf, p...)
}

// AddArray appends a count-prefixed sequence, invoking enc once per item. A
// negative n appends the null sentinel (count -1) and calls enc zero times.
func (b *Builder) AddArray(n int, enc func(i int)) {
	b.assertLive()
	if n < 0 {
		b.AddInt32(-1)
		return
	}
	b.AddInt32(int32(n))
	for i := 0; i < n; i++ {
		enc(i)
	}
}

// AddNullArray appends the null array sentinel (count -1).
func (b *Builder) AddNullArray() {
	b.assertLive()
	b.AddInt32(-1)
}

// TakeBytes consumes the Builder and returns its accumulated bytes. The
// Builder must not be used again afterward.
func (b *Builder) TakeBytes() []byte {
	b.assertLive()
	b.done = true
	return b.buf
}

// Reader reads primitive protocol values from a borrowed, non-owned byte
// slice without copying or mutating it. Bytes returned by ReadBytes alias
// into the original slice (zero-copy); callers that need to retain them
// past the Reader's lifetime must copy explicitly. ReadString copies its
// bytes into a new string.
type Reader struct {
	Src []byte
	pos int
	err error
}

// NewReader wraps src for positional reading. src is not copied.
func NewReader(src []byte) *Reader {
	return &Reader{Src: src}
}

// Err returns the first error encountered during reading, if any. Once set,
// every subsequent read returns the zero value for its type without
// inspecting the buffer.
func (r *Reader) Err() error { return r.err }

// Len returns the total length of the wrapped buffer.
func (r *Reader) Len() int { return len(r.Src) }

// Position returns the current read offset.
func (r *Reader) Position() int { return r.pos }

// EOF reports whether the reader has consumed the entire buffer.
func (r *Reader) EOF() bool { return r.pos >= len(r.Src) }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.Src) {
		r.fail(ErrNotEnoughData)
		return nil
	}
	b := r.Src[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) ReadInt8() int8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return int8(b[0])
}

func (r *Reader) ReadInt16() int16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int16(binary.BigEndian.Uint16(b))
}

func (r *Reader) ReadInt32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) ReadInt64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// ReadString reads a length-prefixed string. It returns (nil, true) for the
// null sentinel (length -1) and fails with ErrMalformedInput for any other
// negative length or invalid UTF-8.
func (r *Reader) ReadString() (s *string, null bool) {
	n := r.ReadInt16()
	if r.err != nil {
		return nil, false
	}
	if n == -1 {
		return nil, true
	}
	if n < -1 {
		r.fail(ErrMalformedInput)
		return nil, false
	}
	b := r.take(int(n))
	if b == nil {
		return nil, false
	}
	if !utf8.Valid(b) {
		r.fail(ErrMalformedInput)
		return nil, false
	}
	out := string(b)
	return &out, false
}

// ReadBytes reads a length-prefixed byte slice. It returns (nil, true) for
// the null sentinel and fails with ErrMalformedInput for any other negative
// length. The returned slice aliases the Reader's source.
func (r *Reader) ReadBytes() (b []byte, null bool) {
	n := r.ReadInt32()
	if r.err != nil {
		return nil, false
	}
	if n == -1 {
		return nil, true
	}
	if n < -1 || int64(n) > math.MaxInt32 {
		r.fail(ErrMalformedInput)
		return nil, false
	}
	out := r.take(int(n))
	if out == nil {
		return nil, false
	}
	return out, false
}

// ReadArray reads a count-prefixed sequence, invoking dec once per element
// in ascending index order. It returns (0, true) for the null sentinel
// (count -1) without invoking dec.
func (r *Reader) ReadArray(dec func(i int)) (n int, null bool) {
	count := r.ReadInt32()
	if r.err != nil {
		return 0, false
	}
	if count == -1 {
		return 0, true
	}
	if count < -1 {
		r.fail(ErrMalformedInput)
		return 0, false
	}
	for i := 0; i < int(count); i++ {
		if r.err != nil {
			break
		}
		dec(i)
	}
	return int(count), false
}

// Complete returns the first error (ErrNotEnoughData or ErrMalformedInput)
// accumulated during reading, or nil if every read succeeded.
func (r *Reader) Complete() error { return r.err }
