package bbl

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/icza/bitio"
)

const maxVarIntBytes = 5

// Reader is a cursor over an immutable byte buffer. Offsets are absolute
// within the buffer; reads never pass the configured end.
type Reader struct {
	data []byte
	pos  int
	end  int

	// bit cursor, active between ReadBits and the next Align
	bits     *bitio.Reader
	bitBase  int
	bitsRead int
}

// NewReader returns a reader over the whole buffer.
func NewReader(data []byte) *Reader {
	return &Reader{data: data, end: len(data)}
}

// newWindowReader limits reads to data[start:end] while keeping absolute
// offsets.
func newWindowReader(data []byte, start, end int) *Reader {
	if end > len(data) {
		end = len(data)
	}
	if start > end {
		start = end
	}
	return &Reader{data: data, pos: start, end: end}
}

// Pos returns the offset of the next unread byte. A partially consumed byte
// counts as read.
func (r *Reader) Pos() int {
	if r.bits != nil {
		return r.bitBase + (r.bitsRead+7)/8
	}
	return r.pos
}

func (r *Reader) End() int {
	return r.end
}

// Seek moves the cursor to off, clamped to the readable window.
func (r *Reader) Seek(off int) {
	r.bits = nil
	if off < 0 {
		off = 0
	}
	if off > r.end {
		off = r.end
	}
	r.pos = off
}

func (r *Reader) AtEnd() bool {
	return r.Pos() >= r.end
}

// Remaining is the number of unread whole bytes.
func (r *Reader) Remaining() int {
	return r.end - r.Pos()
}

// Align discards the unread bits of a partially consumed byte.
func (r *Reader) Align() {
	if r.bits == nil {
		return
	}
	r.pos = r.bitBase + (r.bitsRead+7)/8
	r.bits = nil
}

// Peek returns the next byte without consuming it.
func (r *Reader) Peek() (byte, bool) {
	p := r.Pos()
	if p >= r.end {
		return 0, false
	}
	return r.data[p], true
}

// Bytes returns the raw bytes in [from, to).
func (r *Reader) Bytes(from, to int) []byte {
	if from < 0 {
		from = 0
	}
	if to > len(r.data) {
		to = len(r.data)
	}
	if from > to {
		return nil
	}
	return r.data[from:to]
}

func (r *Reader) ReadByte() (byte, error) {
	r.Align()
	if r.pos >= r.end {
		return 0, ErrTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadN returns the next n bytes.
func (r *Reader) ReadN(n int) ([]byte, error) {
	r.Align()
	if n < 0 || r.end-r.pos < n {
		r.pos = r.end
		return nil, ErrTruncated
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// ReadBits reads n bits (n <= 64), most significant bit first.
func (r *Reader) ReadBits(n int) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	if r.bits == nil {
		r.bitBase = r.pos
		r.bitsRead = 0
		r.bits = bitio.NewReader(bytes.NewReader(r.data[r.pos:r.end]))
	}
	if (r.end-r.bitBase)*8-r.bitsRead < n {
		r.bits = nil
		r.pos = r.end
		return 0, ErrTruncated
	}
	v, err := r.bits.ReadBits(uint8(n))
	if err != nil {
		r.bits = nil
		r.pos = r.end
		return 0, ErrTruncated
	}
	r.bitsRead += n
	return v, nil
}

// ReadUnsignedVB reads a little-endian base-128 varint of at most 32 bits.
func (r *Reader) ReadUnsignedVB() (uint32, error) {
	var result uint32
	for i := 0; i < maxVarIntBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7F) << (7 * uint(i))
		if b < 0x80 {
			return result, nil
		}
	}
	return 0, ErrVarIntOverflow
}

// ReadSignedVB reads a zig-zag encoded varint.
func (r *Reader) ReadSignedVB() (int32, error) {
	u, err := r.ReadUnsignedVB()
	if err != nil {
		return 0, err
	}
	return zigzagDecode(u), nil
}

func zigzagDecode(u uint32) int32 {
	return int32(u>>1) ^ -int32(u&1)
}

// ReadRawFloat reads a little-endian IEEE 754 single.
func (r *Reader) ReadRawFloat() (float32, error) {
	b, err := r.ReadN(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// readSigned reads a little-endian two's complement integer of width bytes
// and sign-extends it.
func (r *Reader) readSigned(width int) (int32, error) {
	b, err := r.ReadN(width)
	if err != nil {
		return 0, err
	}
	var u uint32
	for i := width - 1; i >= 0; i-- {
		u = u<<8 | uint32(b[i])
	}
	return signExtend(u, uint(width*8)), nil
}

func signExtend(u uint32, bits uint) int32 {
	if bits >= 32 {
		return int32(u)
	}
	shift := 32 - bits
	return int32(u<<shift) >> shift
}
