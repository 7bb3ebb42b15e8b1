package source

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = []byte("H Product:Blackbox flight data recorder by Nicholas Sherlock\nI\x00\x01")

func compress(t *testing.T, kind Kind) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch kind {
	case KindGzip:
		w := gzip.NewWriter(&buf)
		_, err := w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case KindZstd:
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case KindLZ4:
		w := lz4.NewWriter(&buf)
		_, err := w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		buf.Write(payload)
	}
	return buf.Bytes()
}

func TestDecompressRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindRaw, KindGzip, KindZstd, KindLZ4} {
		t.Run(string(kind), func(t *testing.T) {
			data := compress(t, kind)
			assert.Equal(t, kind, Detect(data))
			out, got, err := Decompress(data)
			require.NoError(t, err)
			assert.Equal(t, kind, got)
			assert.Equal(t, payload, out)
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bbl.zst")
	require.NoError(t, os.WriteFile(path, compress(t, KindZstd), 0o644))
	out, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestReadAllLimit(t *testing.T) {
	_, _, err := ReadAll(strings.NewReader(strings.Repeat("x", 64)), 16)
	assert.Error(t, err)

	out, kind, err := ReadAll(bytes.NewReader(compress(t, KindGzip)), 1024)
	require.NoError(t, err)
	assert.Equal(t, KindGzip, kind)
	assert.Equal(t, payload, out)
}

func TestCorruptStream(t *testing.T) {
	data := compress(t, KindGzip)
	data = data[:len(data)/2]
	_, _, err := Decompress(data)
	assert.Error(t, err)
}
