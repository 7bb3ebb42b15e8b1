package bbl

import (
	"fmt"
	"strconv"
	"strings"
)

// Encoding identifies how a field residual is serialized.
type Encoding int

const (
	EncodingSignedVB   Encoding = 0
	EncodingUnsignedVB Encoding = 1
	EncodingNeg14Bit   Encoding = 3
	EncodingTag8x8SVB  Encoding = 6
	EncodingTag2x3S32  Encoding = 7
	EncodingTag8x4S16  Encoding = 8
	EncodingNull       Encoding = 9
)

var encodingNames = map[Encoding]string{
	EncodingSignedVB:   "signed_vb",
	EncodingUnsignedVB: "unsigned_vb",
	EncodingNeg14Bit:   "neg_14bit",
	EncodingTag8x8SVB:  "tag8_8svb",
	EncodingTag2x3S32:  "tag2_3s32",
	EncodingTag8x4S16:  "tag8_4s16",
	EncodingNull:       "null",
}

func (e Encoding) String() string {
	if name, ok := encodingNames[e]; ok {
		return name
	}
	return "encoding(" + strconv.Itoa(int(e)) + ")"
}

func (e Encoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Dialect selects how numeric encoding identifiers are read from a header.
type Dialect int

const (
	// DialectBetaflight uses the "Field X ..." keys; 0 is signed, 1 unsigned.
	DialectBetaflight Dialect = iota
	// DialectCompact uses the "fields"/"encodings" keys; 0 is unsigned, 1 signed.
	DialectCompact
)

func (d Dialect) String() string {
	if d == DialectCompact {
		return "compact"
	}
	return "betaflight"
}

// ParseEncoding resolves a header token to an Encoding.
func ParseEncoding(token string, dialect Dialect) (Encoding, error) {
	token = strings.TrimSpace(token)
	for enc, name := range encodingNames {
		if strings.EqualFold(token, name) {
			return enc, nil
		}
	}
	id, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, token)
	}
	enc := Encoding(id)
	if dialect == DialectCompact {
		switch enc {
		case 0:
			enc = EncodingUnsignedVB
		case 1:
			enc = EncodingSignedVB
		}
	}
	if _, ok := codecs[enc]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedEncoding, id)
	}
	return enc, nil
}

type grouping int

const (
	// groupSingle reads one field.
	groupSingle grouping = iota
	// groupRun serves consecutive fields sharing the encoding, up to size.
	groupRun
	// groupFixed always serves size fields, whatever their encoding.
	groupFixed
)

type codec struct {
	grouping grouping
	size     int
	read     func(r *Reader, dst []int64, dataVersion int) error
}

var codecs = map[Encoding]codec{
	EncodingSignedVB:   {grouping: groupSingle, size: 1, read: readSignedVBField},
	EncodingUnsignedVB: {grouping: groupSingle, size: 1, read: readUnsignedVBField},
	EncodingNeg14Bit:   {grouping: groupSingle, size: 1, read: readNeg14Bit},
	EncodingTag8x8SVB:  {grouping: groupRun, size: 8, read: readTag8x8SVB},
	EncodingTag2x3S32:  {grouping: groupFixed, size: 3, read: readTag2x3S32},
	EncodingTag8x4S16:  {grouping: groupFixed, size: 4, read: readTag8x4S16},
	EncodingNull:       {grouping: groupSingle, size: 1, read: readNull},
}

func readSignedVBField(r *Reader, dst []int64, _ int) error {
	v, err := r.ReadSignedVB()
	dst[0] = int64(v)
	return err
}

func readUnsignedVBField(r *Reader, dst []int64, _ int) error {
	v, err := r.ReadUnsignedVB()
	dst[0] = int64(v)
	return err
}

func readNeg14Bit(r *Reader, dst []int64, _ int) error {
	v, err := r.ReadUnsignedVB()
	if err != nil {
		return err
	}
	dst[0] = -int64(signExtend(v&0x3FFF, 14))
	return nil
}

func readNull(_ *Reader, dst []int64, _ int) error {
	dst[0] = 0
	return nil
}

// readTag8x8SVB: a single field is a plain signed varint; otherwise a header
// byte flags which of up to eight fields carry a signed varint.
func readTag8x8SVB(r *Reader, dst []int64, _ int) error {
	if len(dst) == 1 {
		return readSignedVBField(r, dst, 0)
	}
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	// flag bits past the group size are ignored
	for i := range dst {
		dst[i] = 0
		if flags&(1<<uint(i)) != 0 {
			sv, err := r.ReadSignedVB()
			if err != nil {
				return err
			}
			dst[i] = int64(sv)
		}
	}
	return nil
}

func readTag2x3S32(r *Reader, dst []int64, _ int) error {
	lead, err := r.ReadByte()
	if err != nil {
		return err
	}
	var vals [3]int32
	switch lead >> 6 {
	case 0:
		vals[0] = signExtend(uint32(lead>>4)&0x03, 2)
		vals[1] = signExtend(uint32(lead>>2)&0x03, 2)
		vals[2] = signExtend(uint32(lead)&0x03, 2)
	case 1:
		vals[0] = signExtend(uint32(lead)&0x0F, 4)
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		vals[1] = signExtend(uint32(b>>4), 4)
		vals[2] = signExtend(uint32(b)&0x0F, 4)
	case 2:
		vals[0] = signExtend(uint32(lead)&0x3F, 6)
		for i := 1; i < 3; i++ {
			b, err := r.ReadByte()
			if err != nil {
				return err
			}
			vals[i] = signExtend(uint32(b)&0x3F, 6)
		}
	case 3:
		sel := lead
		for i := 0; i < 3; i++ {
			v, err := r.readSigned(int(sel&0x03) + 1)
			if err != nil {
				return err
			}
			vals[i] = v
			sel >>= 2
		}
	}
	copyResiduals(dst, vals[:])
	return nil
}

const (
	tag4s16Zero = iota
	tag4s16Nibble
	tag4s16Byte
	tag4s16Word
)

func readTag8x4S16(r *Reader, dst []int64, dataVersion int) error {
	if dataVersion < 2 {
		return readTag8x4S16v1(r, dst)
	}
	sel, err := r.ReadByte()
	if err != nil {
		return err
	}
	var vals [4]int32
	for i := 0; i < 4; i++ {
		var width int
		switch sel & 0x03 {
		case tag4s16Nibble:
			width = 4
		case tag4s16Byte:
			width = 8
		case tag4s16Word:
			width = 16
		}
		if width > 0 {
			u, err := r.ReadBits(width)
			if err != nil {
				return err
			}
			vals[i] = signExtend(uint32(u), uint(width))
		}
		sel >>= 2
	}
	r.Align()
	copyResiduals(dst, vals[:])
	return nil
}

// readTag8x4S16v1 is the legacy layout where 4-bit values travel in pairs
// within one byte, low nibble first.
func readTag8x4S16v1(r *Reader, dst []int64) error {
	sel, err := r.ReadByte()
	if err != nil {
		return err
	}
	var vals [4]int32
	for i := 0; i < 4; i++ {
		switch sel & 0x03 {
		case tag4s16Nibble:
			b, err := r.ReadByte()
			if err != nil {
				return err
			}
			vals[i] = signExtend(uint32(b)&0x0F, 4)
			if i+1 < 4 {
				i++
				sel >>= 2
				vals[i] = signExtend(uint32(b>>4), 4)
			}
		case tag4s16Byte:
			v, err := r.readSigned(1)
			if err != nil {
				return err
			}
			vals[i] = v
		case tag4s16Word:
			v, err := r.readSigned(2)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		sel >>= 2
	}
	copyResiduals(dst, vals[:])
	return nil
}

func copyResiduals(dst []int64, vals []int32) {
	for i := range dst {
		if i < len(vals) {
			dst[i] = int64(vals[i])
		}
	}
}
