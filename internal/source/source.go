// Package source loads log files into memory, undoing the compression
// archivers commonly apply to them.
package source

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind names the container a buffer was stored in.
type Kind string

const (
	KindRaw  Kind = "raw"
	KindGzip Kind = "gzip"
	KindZstd Kind = "zstd"
	KindLZ4  Kind = "lz4"
)

var magics = []struct {
	kind  Kind
	magic []byte
}{
	{KindGzip, []byte{0x1F, 0x8B}},
	{KindZstd, []byte{0x28, 0xB5, 0x2F, 0xFD}},
	{KindLZ4, []byte{0x04, 0x22, 0x4D, 0x18}},
}

// DefaultMaxSize caps the decompressed size of one log.
const DefaultMaxSize = 1 << 30

// Detect identifies the container from its leading bytes.
func Detect(data []byte) Kind {
	for _, m := range magics {
		if bytes.HasPrefix(data, m.magic) {
			return m.kind
		}
	}
	return KindRaw
}

// ReadFile loads and, if needed, decompresses the file at path.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out, _, err := Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// ReadAll drains r and decompresses the result, refusing more than limit
// bytes either way. limit <= 0 selects DefaultMaxSize.
func ReadAll(r io.Reader, limit int64) ([]byte, Kind, error) {
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, KindRaw, err
	}
	if int64(len(data)) > limit {
		return nil, KindRaw, fmt.Errorf("input exceeds %d bytes", limit)
	}
	return decompress(data, limit)
}

// Decompress returns data unchanged when it is not compressed.
func Decompress(data []byte) ([]byte, Kind, error) {
	return decompress(data, DefaultMaxSize)
}

func decompress(data []byte, limit int64) ([]byte, Kind, error) {
	kind := Detect(data)
	var (
		r   io.Reader
		err error
	)
	switch kind {
	case KindRaw:
		return data, kind, nil
	case KindGzip:
		var zr *gzip.Reader
		zr, err = gzip.NewReader(bytes.NewReader(data))
		if err == nil {
			defer zr.Close()
			r = zr
		}
	case KindZstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(bytes.NewReader(data))
		if err == nil {
			defer zr.Close()
			r = zr
		}
	case KindLZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		return nil, kind, fmt.Errorf("open %s stream: %w", kind, err)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, kind, fmt.Errorf("decompress %s: %w", kind, err)
	}
	if int64(len(out)) > limit {
		return nil, kind, fmt.Errorf("decompressed %s stream exceeds %d bytes", kind, limit)
	}
	return out, kind, nil
}
