package bbl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/bblog/internal/common"
	"example.com/bblog/internal/header"
	"example.com/bblog/internal/source"
)

// Log is the decoded content of one file.
type Log struct {
	// Header is the first section's header.
	Header   *header.Document
	Sections []*Section
	// Flights are in section order. Dropped flights leave gaps in the
	// indices.
	Flights []*Flight
	// Dropped counts flights removed as empty or too short.
	Dropped int
}

// Flight returns the flight decoded from section index, if kept.
func (l *Log) Flight(index int) (*Flight, bool) {
	for _, f := range l.Flights {
		if f.Index == index {
			return f, true
		}
	}
	return nil, false
}

// Stats sums the per-flight counters.
func (l *Log) Stats() Stats {
	var total Stats
	for _, f := range l.Flights {
		total.TotalBytes += f.Stats.TotalBytes
		total.CorruptFrames += f.Stats.CorruptFrames
		total.Resyncs += f.Stats.Resyncs
		total.NoiseBytes += f.Stats.NoiseBytes
		total.IntentionallyAbsent += f.Stats.IntentionallyAbsent
		for t, fs := range f.Stats.Frames {
			agg := total.Frame(t)
			agg.Valid += fs.Valid
			agg.Corrupt += fs.Corrupt
			agg.Desync += fs.Desync
			agg.Bytes += fs.Bytes
		}
	}
	return total
}

// Decode decodes a complete log buffer.
func Decode(data []byte, opts ...Option) (*Log, error) {
	return DecodeContext(context.Background(), data, opts...)
}

// DecodeFile loads path, decompressing it when needed, and decodes it.
func DecodeFile(path string, opts ...Option) (*Log, error) {
	data, err := source.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data, opts...)
}

// DecodeContext decodes a complete log buffer. Every section header is
// validated before any frame is read; sections then decode in parallel.
func DecodeContext(ctx context.Context, data []byte, opts ...Option) (*Log, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	begin := time.Now()
	if o.Metrics != nil {
		o.Metrics.SetTotalBytes(int64(len(data)))
	}
	log, err := decode(ctx, data, &o)
	if c := o.Collector; c != nil {
		if err != nil {
			c.ObserveFailure(failureReason(err))
		} else {
			observe(c, log, time.Since(begin), len(data))
		}
	}
	return log, err
}

func decode(ctx context.Context, data []byte, o *Options) (*Log, error) {
	ranges := FindSections(data)
	if len(ranges) == 0 {
		return nil, ErrNoHeader
	}
	sections := make([]*Section, len(ranges))
	checks := make([]frameCheck, len(ranges))
	for i, rg := range ranges {
		sec, check, err := openSection(data, i, rg, o)
		if err != nil {
			return nil, err
		}
		sections[i], checks[i] = sec, check
	}

	flights := make([]*Flight, len(sections))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Concurrency)
	for i := range sections {
		g.Go(func() error {
			f, err := newSectionDecoder(data, sections[i], checks[i], o).run(gctx)
			if err != nil {
				return fmt.Errorf("section %d: %w", i, err)
			}
			flights[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log := &Log{Header: sections[0].Header, Sections: sections}
	for _, f := range flights {
		if f == nil {
			log.Dropped++
			continue
		}
		if o.MinDuration > 0 && f.Duration() < o.MinDuration {
			common.Debugf("flight %d shorter than %s, dropped", f.Index, o.MinDuration)
			log.Dropped++
			continue
		}
		log.Flights = append(log.Flights, f)
		if o.Metrics != nil {
			o.Metrics.AddFlight()
		}
	}
	return log, nil
}

// openSection parses one header and builds its schemas.
func openSection(data []byte, index int, rg [2]int, o *Options) (*Section, frameCheck, error) {
	doc, n, err := header.Parse(data[rg[0]:rg[1]])
	if err != nil {
		return nil, nil, &HeaderError{Section: index, Err: err}
	}
	schemas, meta, err := BuildSchemas(doc)
	if err != nil {
		var he *HeaderError
		if errors.As(err, &he) {
			he.Section = index
			return nil, nil, he
		}
		return nil, nil, &HeaderError{Section: index, Err: err}
	}
	name := meta.Checksum
	if o.Checksum != "" {
		name = o.Checksum
	}
	check, err := newFrameCheck(name)
	if err != nil {
		return nil, nil, &HeaderError{Section: index, Key: "Checksum", Err: fmt.Errorf("%w: %v", ErrMalformedHeader, err)}
	}
	meta.Checksum = check.Name()
	return &Section{
		Index:     index,
		Start:     rg[0],
		DataStart: rg[0] + n,
		End:       rg[1],
		Header:    doc,
		Schemas:   schemas,
		Meta:      meta,
	}, check, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoHeader):
		return "no_header"
	case errors.Is(err, ErrUnsupportedEncoding):
		return "unsupported_encoding"
	case errors.Is(err, ErrUnsupportedPredictor):
		return "unsupported_predictor"
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func observe(c *common.DecodeCollector, log *Log, elapsed time.Duration, size int) {
	st := log.Stats()
	for t, fs := range st.Frames {
		c.ObserveFrames(t.String(), fs.Valid, fs.Corrupt, fs.Desync)
	}
	c.ObserveDecode(elapsed, int64(size), len(log.Flights), st.Resyncs)
}
