package common

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics accumulates decode progress across the sections of one or more
// logs. Sections decode in parallel, so every counter is atomic.
type Metrics struct {
	started atomic.Int64 // unix nanos, 0 until Start
	stopped atomic.Int64

	bytes      atomic.Int64
	totalBytes atomic.Int64
	frames     atomic.Int64
	corrupt    atomic.Int64
	resyncs    atomic.Int64
	flights    atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Start marks the beginning of the run. Only the first call counts.
func (m *Metrics) Start() {
	m.started.CompareAndSwap(0, time.Now().UnixNano())
}

// Stop freezes Duration. Calls before Start or after a previous Stop are
// ignored.
func (m *Metrics) Stop() {
	if m.started.Load() != 0 {
		m.stopped.CompareAndSwap(0, time.Now().UnixNano())
	}
}

// AddFrame records one validated main frame of the given encoded size.
func (m *Metrics) AddFrame(size int64) {
	if size <= 0 {
		return
	}
	m.bytes.Add(size)
	m.frames.Add(1)
}

// AddCorrupt records a frame discarded by validation. Its bytes still count
// towards progress.
func (m *Metrics) AddCorrupt(size int64) {
	m.AddBytes(size)
	m.corrupt.Add(1)
}

func (m *Metrics) AddFlight() { m.flights.Add(1) }

func (m *Metrics) IncResync() { m.resyncs.Add(1) }

// AddBytes counts input consumed outside main frames: noise, auxiliary
// frames, headers.
func (m *Metrics) AddBytes(n int64) {
	if n > 0 {
		m.bytes.Add(n)
	}
}

func (m *Metrics) SetTotalBytes(total int64) {
	m.totalBytes.Store(max(total, 0))
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Duration:   m.elapsed(),
		Bytes:      m.bytes.Load(),
		TotalBytes: m.totalBytes.Load(),
		Frames:     m.frames.Load(),
		Corrupt:    m.corrupt.Load(),
		Resyncs:    m.resyncs.Load(),
		Flights:    m.flights.Load(),
	}
}

func (m *Metrics) elapsed() time.Duration {
	start := m.started.Load()
	if start == 0 {
		return 0
	}
	end := m.stopped.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - start)
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Duration   time.Duration
	Bytes      int64
	TotalBytes int64
	Frames     int64
	Corrupt    int64
	Resyncs    int64
	Flights    int64
}

func (s MetricsSnapshot) ThroughputBytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

// Completion is Bytes/TotalBytes clamped to [0,1]; 0 when the total is
// unknown.
func (s MetricsSnapshot) Completion() float64 {
	if s.TotalBytes <= 0 || s.Bytes <= 0 {
		return 0
	}
	return min(float64(s.Bytes)/float64(s.TotalBytes), 1)
}

var byteUnits = []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// FormatBytes renders b with binary prefixes and two decimals.
func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%d B", b)
	}
	v := float64(b) / 1024
	i := 0
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, byteUnits[i])
}

func formatProgressLine(s MetricsSnapshot) string {
	var b strings.Builder
	if s.TotalBytes > 0 {
		fmt.Fprintf(&b, "Progress: %6.2f%% (%s / %s)", s.Completion()*100, FormatBytes(s.Bytes), FormatBytes(s.TotalBytes))
	} else {
		fmt.Fprintf(&b, "Processed: %s", FormatBytes(s.Bytes))
	}
	fmt.Fprintf(&b, " %d frames", s.Frames)
	if s.Corrupt > 0 {
		fmt.Fprintf(&b, " %d corrupt", s.Corrupt)
	}
	fmt.Fprintf(&b, " %.2f MiB/s", s.ThroughputBytesPerSecond()/(1<<20))
	return b.String()
}

// StartProgressPrinter rewrites a single progress line on w every interval
// until the returned stop function is called.
func StartProgressPrinter(w io.Writer, m *Metrics, interval time.Duration) (stop func()) {
	if m == nil || w == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		width := 0
		for {
			select {
			case <-ticker.C:
				line := formatProgressLine(m.Snapshot())
				fmt.Fprintf(w, "\r%-*s", width, line)
				width = max(width, len(line))
			case <-done:
				if width > 0 {
					fmt.Fprintf(w, "\r%s\r\n", strings.Repeat(" ", width))
				}
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}
