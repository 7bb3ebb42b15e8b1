package bbl

import (
	"fmt"
	"strings"

	"example.com/bblog/internal/checksum"
	"example.com/bblog/internal/header"
)

// maxFrameLength bounds the encoded size of a frame, marker included.
const maxFrameLength = 256

// frameCheck decides whether a decoded frame body stands. It runs with the
// reader positioned just after the last field and may consume a trailer.
type frameCheck interface {
	Name() string
	verify(r *Reader, start int, s *Schemas, final bool) error
}

// lookaheadCheck is used when frames carry no checksum: a frame of sane
// length is accepted when a frame marker, a header line or the end of the
// section follows within maxFrameLength bytes. Bytes in between are left
// for the noise path, which invalidates the inter-frame stream.
type lookaheadCheck struct{}

func (lookaheadCheck) Name() string { return "none" }

func (lookaheadCheck) verify(r *Reader, start int, s *Schemas, final bool) error {
	if r.Pos()-start > maxFrameLength {
		return ErrFrameTooLong
	}
	if final {
		return nil
	}
	limit := min(r.Pos()+maxFrameLength, r.End())
	for off := r.Pos(); off < limit; off++ {
		if s.Declared(r.data[off]) || header.IsLineStart(r.data, off) {
			return nil
		}
	}
	if limit == r.End() {
		return nil
	}
	return fmt.Errorf("%w: no frame marker within %d bytes", ErrChecksumMismatch, maxFrameLength)
}

// trailerCheck expects one checksum byte over marker and fields.
type trailerCheck struct {
	profile string
}

func (c trailerCheck) Name() string { return c.profile }

func (c trailerCheck) verify(r *Reader, start int, _ *Schemas, _ bool) error {
	end := r.Pos()
	if end-start > maxFrameLength {
		return ErrFrameTooLong
	}
	want, err := checksum.Compute(c.profile, r.Bytes(start, end))
	if err != nil {
		return err
	}
	got, err := r.ReadByte()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got 0x%02X want 0x%02X", ErrChecksumMismatch, got, want)
	}
	return nil
}

// newFrameCheck selects the validation strategy by name.
func newFrameCheck(name string) (frameCheck, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return lookaheadCheck{}, nil
	}
	if _, err := checksum.New(name); err != nil {
		return nil, err
	}
	return trailerCheck{profile: name}, nil
}
