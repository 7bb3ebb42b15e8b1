package common

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DecodeCollector exports decode counters to Prometheus.
type DecodeCollector struct {
	Frames   *prometheus.CounterVec
	Flights  prometheus.Counter
	Resyncs  prometheus.Counter
	Bytes    prometheus.Counter
	Failures *prometheus.CounterVec
	Duration prometheus.Histogram
}

func NewDecodeCollector(namespace string) *DecodeCollector {
	if namespace == "" {
		namespace = "bblog"
	}
	return &DecodeCollector{
		Frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decode",
				Name:      "frames_total",
				Help:      "Frames seen by the decoder by frame type and outcome (valid, corrupt, desync)",
			},
			[]string{"type", "status"},
		),
		Flights: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "flights_total",
			Help:      "Flights emitted by the decoder",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "resyncs_total",
			Help:      "Resynchronisations after corrupt or truncated frames",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "bytes_total",
			Help:      "Input bytes handed to the decoder",
		}),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decode",
				Name:      "failures_total",
				Help:      "Decodes aborted by a fatal error, by reason",
			},
			[]string{"reason"},
		),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "duration_seconds",
			Help:      "Wall time of a complete log decode",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// Register adds every collector to reg.
func (c *DecodeCollector) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.Frames, c.Flights, c.Resyncs, c.Bytes, c.Failures, c.Duration} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *DecodeCollector) ObserveFrames(frameType string, valid, corrupt, desync int) {
	if valid > 0 {
		c.Frames.WithLabelValues(frameType, "valid").Add(float64(valid))
	}
	if corrupt > 0 {
		c.Frames.WithLabelValues(frameType, "corrupt").Add(float64(corrupt))
	}
	if desync > 0 {
		c.Frames.WithLabelValues(frameType, "desync").Add(float64(desync))
	}
}

func (c *DecodeCollector) ObserveDecode(elapsed time.Duration, bytes int64, flights, resyncs int) {
	c.Duration.Observe(elapsed.Seconds())
	c.Bytes.Add(float64(bytes))
	c.Flights.Add(float64(flights))
	c.Resyncs.Add(float64(resyncs))
}

func (c *DecodeCollector) ObserveFailure(reason string) {
	c.Failures.WithLabelValues(reason).Inc()
}
