package bbl

import (
	"errors"
	"fmt"

	"example.com/bblog/internal/header"
)

var (
	ErrNoHeader             = header.ErrNoHeader
	ErrMalformedHeader      = errors.New("malformed header")
	ErrUnsupportedEncoding  = errors.New("unsupported field encoding")
	ErrUnsupportedPredictor = errors.New("unsupported field predictor")
	ErrTruncated            = errors.New("truncated frame")
	ErrChecksumMismatch     = errors.New("frame checksum mismatch")
	ErrVarIntOverflow       = errors.New("variable-length integer overflow")
	ErrFrameTooLong         = errors.New("frame exceeds maximum length")
	ErrUnknownEvent         = errors.New("unknown event type")
)

// HeaderError locates a header fault. It unwraps to one of the sentinel
// errors above.
type HeaderError struct {
	Section int
	Line    int
	Key     string
	Err     error
}

func (e *HeaderError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("section %d line %d (%s): %v", e.Section, e.Line, e.Key, e.Err)
	}
	if e.Key != "" {
		return fmt.Sprintf("section %d (%s): %v", e.Section, e.Key, e.Err)
	}
	return fmt.Sprintf("section %d: %v", e.Section, e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err aborts a whole decode rather than a single
// frame.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoHeader) ||
		errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrUnsupportedEncoding) ||
		errors.Is(err, ErrUnsupportedPredictor)
}
