// Package bbltest writes synthetic blackbox logs for tests and samples. It
// encodes exactly what the decoder reads and nothing more.
package bbltest

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/icza/bitio"

	"example.com/bblog/internal/checksum"
)

// ProductLine opens a recorder log section.
const ProductLine = "Blackbox flight data recorder by Nicholas Sherlock"

// Builder accumulates header lines and frames.
type Builder struct {
	buf     bytes.Buffer
	profile string
	frames  []int
}

func New() *Builder {
	return &Builder{}
}

// Product starts a new log section.
func (b *Builder) Product() *Builder {
	return b.Header("Product", ProductLine)
}

// Header writes one "H key:value" line.
func (b *Builder) Header(key, value string) *Builder {
	b.buf.WriteString("H ")
	b.buf.WriteString(key)
	b.buf.WriteByte(':')
	b.buf.WriteString(value)
	b.buf.WriteByte('\n')
	return b
}

// Checksum declares the frame checksum and appends it to later frames.
// "none" stops appending.
func (b *Builder) Checksum(profile string) *Builder {
	b.Header("Checksum", profile)
	return b.Trailer(profile)
}

// Trailer appends checksums of profile without declaring it in the header.
func (b *Builder) Trailer(profile string) *Builder {
	if profile == "none" {
		profile = ""
	}
	b.profile = profile
	return b
}

// Frame writes marker, the concatenated encoded parts and, if enabled, the
// checksum byte.
func (b *Builder) Frame(marker byte, parts ...[]byte) *Builder {
	start := b.buf.Len()
	b.frames = append(b.frames, start)
	b.buf.WriteByte(marker)
	for _, p := range parts {
		b.buf.Write(p)
	}
	if b.profile != "" {
		sum, err := checksum.Compute(b.profile, b.buf.Bytes()[start:])
		if err != nil {
			panic(err)
		}
		b.buf.WriteByte(sum)
	}
	return b
}

// Raw writes bytes outside any frame.
func (b *Builder) Raw(p ...byte) *Builder {
	b.buf.Write(p)
	return b
}

// LogEnd writes a log-end event.
func (b *Builder) LogEnd() *Builder {
	return b.Frame('E', []byte{0xFF}, []byte("End of log\x00"))
}

// Bytes returns a copy of everything written so far.
func (b *Builder) Bytes() []byte {
	return append([]byte(nil), b.buf.Bytes()...)
}

// Offsets returns the start offset of every frame written.
func (b *Builder) Offsets() []int {
	return append([]int(nil), b.frames...)
}

func (b *Builder) Len() int {
	return b.buf.Len()
}

// UVB encodes an unsigned varint.
func UVB(v uint32) []byte {
	var out []byte
	for v >= 0x80 {
		out = append(out, byte(v)|0x80)
		v >>= 7
	}
	return append(out, byte(v))
}

// SVB encodes a zig-zag signed varint.
func SVB(v int32) []byte {
	return UVB(uint32((v << 1) ^ (v >> 31)))
}

// Neg14 encodes a non-positive value as a negated 14-bit varint.
func Neg14(v int32) []byte {
	return UVB(uint32(-v) & 0x3FFF)
}

// Join concatenates encoded parts.
func Join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// Tag8x8SVB encodes a group of up to eight signed values.
func Tag8x8SVB(vals ...int32) []byte {
	if len(vals) == 1 {
		return SVB(vals[0])
	}
	var flags byte
	var body []byte
	for i, v := range vals {
		if v != 0 {
			flags |= 1 << uint(i)
			body = append(body, SVB(v)...)
		}
	}
	return append([]byte{flags}, body...)
}

func fits(v int32, bits uint) bool {
	lim := int32(1) << (bits - 1)
	return v >= -lim && v < lim
}

// Tag2x3S32 encodes three signed values using the narrowest layout.
func Tag2x3S32(a, b, c int32) []byte {
	vals := [3]int32{a, b, c}
	all := func(bits uint) bool {
		for _, v := range vals {
			if !fits(v, bits) {
				return false
			}
		}
		return true
	}
	switch {
	case all(2):
		return []byte{byte(a&0x03)<<4 | byte(b&0x03)<<2 | byte(c&0x03)}
	case all(4):
		return []byte{1<<6 | byte(a&0x0F), byte(b&0x0F)<<4 | byte(c&0x0F)}
	case all(6):
		return []byte{2<<6 | byte(a&0x3F), byte(b & 0x3F), byte(c & 0x3F)}
	}
	lead := byte(3 << 6)
	var body []byte
	for i, v := range vals {
		width := 4
		switch {
		case fits(v, 8):
			width = 1
		case fits(v, 16):
			width = 2
		case fits(v, 24):
			width = 3
		}
		lead |= byte(width-1) << (2 * uint(i))
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], uint32(v))
		body = append(body, le[:width]...)
	}
	return append([]byte{lead}, body...)
}

func s16Width(v int32) (byte, uint) {
	switch {
	case v == 0:
		return 0, 0
	case fits(v, 4):
		return 1, 4
	case fits(v, 8):
		return 2, 8
	default:
		return 3, 16
	}
}

// Tag8x4S16 encodes four 16-bit signed values in the data version 2
// layout: a selector byte, then values packed most significant bit first.
func Tag8x4S16(vals [4]int32) []byte {
	var sel byte
	var body bytes.Buffer
	w := bitio.NewWriter(&body)
	for i, v := range vals {
		code, width := s16Width(v)
		sel |= code << (2 * uint(i))
		if width > 0 {
			if err := w.WriteBits(uint64(uint32(v))&(1<<width-1), uint8(width)); err != nil {
				panic(err)
			}
		}
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return append([]byte{sel}, body.Bytes()...)
}

// Tag8x4S16v1 encodes the legacy layout where 4-bit values travel in
// pairs within one byte, low nibble first.
func Tag8x4S16v1(vals [4]int32) []byte {
	var sel byte
	var body []byte
	for i := 0; i < 4; i++ {
		v := vals[i]
		code, width := s16Width(v)
		if width == 4 {
			if i+1 < 4 && fits(vals[i+1], 4) {
				sel |= 1 << (2 * uint(i))
				body = append(body, byte(v&0x0F)|byte(vals[i+1]&0x0F)<<4)
				i++
				continue
			}
			code, width = 2, 8
		}
		sel |= code << (2 * uint(i))
		switch width {
		case 8:
			body = append(body, byte(v))
		case 16:
			body = append(body, byte(v), byte(v>>8))
		}
	}
	return append([]byte{sel}, body...)
}

// Float encodes a little-endian IEEE 754 single.
func Float(f float32) []byte {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], math.Float32bits(f))
	return le[:]
}
