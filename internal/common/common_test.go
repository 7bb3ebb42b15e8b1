package common

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("abc")
const abcSum = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestHashing(t *testing.T) {
	assert.Equal(t, abcSum, Sha256OfBytes([]byte("abc")))

	h := NewHasher()
	_, err := io.Copy(h, strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, abcSum, h.Sum())
	assert.Equal(t, int64(3), h.Size())

	path := filepath.Join(t.TempDir(), "abc")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	sum, size, err := Sha256OfFile(path)
	require.NoError(t, err)
	assert.Equal(t, abcSum, sum)
	assert.Equal(t, int64(3), size)

	_, _, err = Sha256OfFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.SetTotalBytes(100)
	m.Start()
	m.AddFrame(10)
	m.AddFrame(0)
	m.AddCorrupt(5)
	m.AddCorrupt(0)
	m.IncResync()
	m.AddFlight()
	m.AddBytes(5)
	m.Stop()

	s := m.Snapshot()
	assert.Equal(t, int64(20), s.Bytes)
	assert.Equal(t, int64(1), s.Frames)
	assert.Equal(t, int64(2), s.Corrupt)
	assert.Equal(t, int64(1), s.Resyncs)
	assert.Equal(t, int64(1), s.Flights)
	assert.InDelta(t, 0.2, s.Completion(), 1e-9)
	assert.Equal(t, s.Duration, m.Snapshot().Duration, "stopped metrics do not advance")

	assert.Zero(t, MetricsSnapshot{Bytes: 10}.Completion())
	assert.Equal(t, 1.0, MetricsSnapshot{Bytes: 10, TotalBytes: 5}.Completion())
	assert.Zero(t, MetricsSnapshot{Bytes: 10}.ThroughputBytesPerSecond())
	assert.Equal(t, 10.0, MetricsSnapshot{Bytes: 20, Duration: 2 * time.Second}.ThroughputBytesPerSecond())
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:     "512 B",
		1024:    "1.00 KiB",
		1536:    "1.50 KiB",
		5 << 20: "5.00 MiB",
		3 << 30: "3.00 GiB",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatBytes(in))
	}
}

func TestProgressLine(t *testing.T) {
	line := formatProgressLine(MetricsSnapshot{Bytes: 512, TotalBytes: 1024, Frames: 7})
	assert.Contains(t, line, " 50.00%")
	assert.Contains(t, line, "7 frames")
	assert.True(t, strings.HasPrefix(formatProgressLine(MetricsSnapshot{Bytes: 1}), "Processed: 1 B"))

	stop := StartProgressPrinter(nil, NewMetrics(), time.Millisecond)
	stop()
}

func TestSetupLogging(t *testing.T) {
	t.Cleanup(func() {
		_, _ = SetupLogging(LogConfig{})
	})

	_, err := SetupLogging(LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = SetupLogging(LogConfig{Format: "xml"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "logs", "bblog.log")
	closer, err := SetupLogging(LogConfig{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, Logger().GetLevel())
	WithFields(logrus.Fields{"input": "a.bbl"}).Info("decoded")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"input":"a.bbl"`)
	assert.Contains(t, string(data), `"msg":"decoded"`)
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger().Out
	Logger().SetOutput(&buf)
	t.Cleanup(func() { Logger().SetOutput(prev) })

	Logf("kept %d", 1)
	Debugf("hidden")
	Warnf("careful")
	out := buf.String()
	assert.Contains(t, out, "kept 1")
	assert.Contains(t, out, "careful")
	assert.NotContains(t, out, "hidden")
}

func TestDecodeCollector(t *testing.T) {
	c := NewDecodeCollector("")
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg), "collectors register once")

	c.ObserveFrames("I", 4, 1, 0)
	c.ObserveFrames("P", 0, 0, 2)
	c.ObserveDecode(20*time.Millisecond, 2048, 2, 3)
	c.ObserveFailure("header")

	assert.Equal(t, 4.0, testutil.ToFloat64(c.Frames.WithLabelValues("I", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Frames.WithLabelValues("I", "corrupt")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Frames.WithLabelValues("P", "desync")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Flights))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Resyncs))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.Bytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Failures.WithLabelValues("header")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.Duration))
}
