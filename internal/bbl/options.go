package bbl

import (
	"runtime"
	"time"

	"example.com/bblog/internal/common"
)

// Options tune a decode. The zero value is not used directly; see
// defaultOptions.
type Options struct {
	// Concurrency bounds how many sections decode at once.
	Concurrency int
	// MinDuration drops flights shorter than this. Zero keeps all.
	MinDuration time.Duration
	// Checksum overrides the header's frame checksum ("none", "xor8",
	// "crc8").
	Checksum string
	// Raw disables predictors so values are the stored residuals.
	Raw bool

	Metrics   *common.Metrics
	Collector *common.DecodeCollector
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{Concurrency: runtime.GOMAXPROCS(0)}
}

func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

func WithMinDuration(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.MinDuration = d
		}
	}
}

func WithChecksum(name string) Option {
	return func(o *Options) { o.Checksum = name }
}

func WithRaw(raw bool) Option {
	return func(o *Options) { o.Raw = raw }
}

// WithMetrics feeds progress counters while decoding.
func WithMetrics(m *common.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithCollector reports decode outcomes to Prometheus.
func WithCollector(c *common.DecodeCollector) Option {
	return func(o *Options) { o.Collector = c }
}
