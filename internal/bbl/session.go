package bbl

import (
	"bytes"
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"example.com/bblog/internal/common"
	"example.com/bblog/internal/header"
)

// sectionMarker opens every log section a recorder writes.
var (
	sectionMarker = []byte("H Product:Blackbox flight data recorder")
	linePrefix    = []byte("H ")
)

const (
	maxTimeJump      = 10 * 1000 * 1000
	maxIterationJump = 500 * 10

	cancelCheckInterval = 1024
)

// Section is one header plus the frames that follow it, up to the next
// section.
type Section struct {
	Index     int
	Start     int
	DataStart int
	End       int

	Header  *header.Document
	Schemas *Schemas
	Meta    *Meta
}

// FindSections returns the byte ranges of every log section. A section
// starts at each run of header lines found after binary data, and at every
// product line, so a header repeated without a product line still opens a
// new session. Bytes before the first header line belong to no section.
func FindSections(data []byte) [][2]int {
	var starts []int
	for off := 0; off < len(data); {
		i := bytes.Index(data[off:], linePrefix)
		if i < 0 {
			break
		}
		p := off + i
		end, ok := header.LineEnd(data, p)
		if !ok {
			off = p + 1
			continue
		}
		starts = append(starts, p)
		for q := end; ; q = end {
			if end, ok = header.LineEnd(data, q); !ok {
				off = q
				break
			}
			if bytes.HasPrefix(data[q:], sectionMarker) {
				starts = append(starts, q)
			}
		}
	}
	out := make([][2]int, len(starts))
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		out[i] = [2]int{s, end}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sectionDecoder runs the frame state machine over one section. It owns the
// flight's history; nothing in it is shared.
type sectionDecoder struct {
	r       *Reader
	sec     *Section
	schemas *Schemas
	meta    *Meta
	check   frameCheck
	opts    *Options
	log     *logrus.Entry

	hist      *History
	zero      []int64
	aux       map[FrameType][]int64
	mainValid bool
	resyncing bool

	home      []int64
	homeValid bool
	slowValid bool

	lastIteration int64
	lastTime      int64
	rollover      int64

	// jump holds the iteration and time of the last main frame rejected
	// for leaping forward. A following frame that continues from it
	// becomes the new baseline.
	jump      [2]int64
	jumpValid bool
	ended         bool

	flight *Flight
}

func newSectionDecoder(data []byte, sec *Section, check frameCheck, opts *Options) *sectionDecoder {
	main := sec.Schemas.Get(FrameIntra)
	d := &sectionDecoder{
		r:             newWindowReader(data, sec.DataStart, sec.End),
		sec:           sec,
		schemas:       sec.Schemas,
		meta:          sec.Meta,
		check:         check,
		opts:          opts,
		log:           common.WithFields(logrus.Fields{"section": sec.Index}),
		hist:          NewHistory(main.Len()),
		zero:          make([]int64, MaxFields),
		aux:           make(map[FrameType][]int64),
		lastIteration: -1,
		lastTime:      -1,
	}
	for _, t := range []FrameType{FrameSlow, FrameGPS, FrameGPSHome} {
		if s := sec.Schemas.Get(t); s != nil {
			d.aux[t] = make([]int64, s.Len())
		}
	}
	if s := sec.Schemas.Get(FrameGPSHome); s != nil {
		d.home = make([]int64, s.Len())
	}
	d.flight = &Flight{
		Index:   sec.Index,
		Meta:    sec.Meta,
		Schemas: sec.Schemas,
		Stats:   newStats(main),
	}
	d.flight.Stats.TotalBytes = sec.End - sec.Start
	return d
}

// run decodes until the section is exhausted or a log-end event. It returns
// nil when no main frame validated.
func (d *sectionDecoder) run(ctx context.Context) (*Flight, error) {
	for n := 0; !d.ended && !d.r.AtEnd(); n++ {
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		start := d.r.Pos()
		b, _ := d.r.ReadByte()
		if !d.schemas.Declared(b) {
			d.noise()
			continue
		}
		d.frame(FrameType(b), start)
	}
	if d.flight.Stats.ValidMain() == 0 {
		d.log.WithField("corrupt", d.flight.Stats.CorruptFrames).Debug("dropping flight without valid main frames")
		return nil, nil
	}
	// built before the flight is shared so readers never race on it
	d.flight.rowLayout()
	return d.flight, nil
}

func (d *sectionDecoder) noise() {
	d.flight.Stats.NoiseBytes++
	d.mainValid = false
	if d.opts.Metrics != nil {
		d.opts.Metrics.AddBytes(1)
	}
}

func (d *sectionDecoder) frame(t FrameType, start int) {
	var (
		ev  Event
		err error
	)
	switch t {
	case FrameIntra, FrameInter:
		err = d.parseMain(t)
	case FrameEvent:
		ev, err = readEvent(d.r)
	default:
		err = d.parseAux(t)
	}
	if err == nil {
		err = d.check.verify(d.r, start, d.schemas, t == FrameEvent && ev.Type == EventLogEnd)
	}
	size := d.r.Pos() - start
	if err != nil {
		d.corrupt(t, start, size, err)
		return
	}

	switch t {
	case FrameIntra, FrameInter:
		d.completeMain(t, start, size)
	case FrameSlow:
		d.completeSlow(start, size)
	case FrameGPSHome:
		d.completeHome(start, size)
	case FrameGPS:
		d.completeGPS(start, size)
	case FrameEvent:
		d.completeEvent(ev, start, size)
	}
	d.resyncing = false
}

func (d *sectionDecoder) predictContext(s *FrameSchema, current []int64) *predictContext {
	c := &predictContext{
		schema:    s,
		current:   current,
		previous:  d.zero,
		previous2: d.zero,
		meta:      d.meta,
	}
	c.lastMainTime = d.hist.Previous()[d.schemas.time]
	if d.homeValid {
		c.home = d.home
	}
	return c
}

func (d *sectionDecoder) parseMain(t FrameType) error {
	s := d.schemas.Get(t)
	c := d.predictContext(s, d.hist.Scratch())
	c.previous = d.hist.Previous()
	if t == FrameIntra {
		c.previous2 = d.hist.Previous()
	} else {
		c.previous2 = d.hist.Previous2()
		c.skipped = d.countSkipped()
	}
	return decodeFields(d.r, c, d.meta.DataVersion, d.opts.Raw)
}

// parseAux decodes S, G and H frames. Their predictors see no history.
func (d *sectionDecoder) parseAux(t FrameType) error {
	s := d.schemas.Get(t)
	return decodeFields(d.r, d.predictContext(s, d.aux[t]), d.meta.DataVersion, d.opts.Raw)
}

// decodeFields reads every field of c.schema into c.current.
func decodeFields(r *Reader, c *predictContext, dataVersion int, raw bool) error {
	var group [8]int64
	fields := c.schema.Fields
	for i := 0; i < len(fields); {
		f := fields[i]
		if f.Predictor == PredictorIncrement {
			c.current[i] = c.predict(0, i, false)
			i++
			continue
		}
		cd := codecs[f.Encoding]
		n := 1
		switch cd.grouping {
		case groupFixed:
			n = cd.size
		case groupRun:
			for n < cd.size && i+n < len(fields) && fields[i+n].Encoding == f.Encoding {
				n++
			}
		}
		vals := group[:n]
		if err := cd.read(r, vals, dataVersion); err != nil {
			return err
		}
		for j := 0; j < n && i < len(fields); j++ {
			c.current[i] = c.predict(vals[j], i, raw)
			i++
		}
	}
	return nil
}

// corrupt discards a frame that failed to decode or validate and rewinds to
// the byte after its marker. Failures while already resynchronising are
// false starts inside skipped bytes and are not counted again.
func (d *sectionDecoder) corrupt(t FrameType, start, size int, err error) {
	d.mainValid = false
	d.r.Seek(start + 1)
	if d.resyncing {
		d.flight.Stats.NoiseBytes++
		return
	}
	d.resyncing = true
	d.flight.Stats.addCorrupt(t)
	d.flight.Stats.Resyncs++
	if errors.Is(err, ErrTruncated) {
		d.flight.Truncated = true
	}
	if m := d.opts.Metrics; m != nil {
		m.AddCorrupt(0)
		m.IncResync()
	}
	d.log.WithFields(logrus.Fields{
		"frame":  t.String(),
		"offset": start,
		"size":   size,
	}).Debugf("resync after corrupt frame: %v", err)
}

// reject drops a main frame that decoded cleanly but breaks iteration or
// time continuity. The cursor stays after the frame.
func (d *sectionDecoder) reject(t FrameType, start, size int) {
	d.mainValid = false
	d.flight.Stats.addCorrupt(t)
	if d.opts.Metrics != nil {
		d.opts.Metrics.AddCorrupt(int64(size))
	}
	d.log.WithFields(logrus.Fields{"frame": t.String(), "offset": start}).Debug("main frame breaks time or iteration continuity")
}

func (d *sectionDecoder) completeMain(t FrameType, start, size int) {
	if t == FrameInter && !d.mainValid {
		d.flight.Stats.Frame(t).Desync++
		return
	}
	cur := d.hist.Scratch()
	if !d.opts.Raw {
		d.applyRollover(cur)
		if !d.continuous(cur) {
			if !d.resumesAfterJump(cur) {
				d.noteJump(cur)
				d.reject(t, start, size)
				return
			}
			d.log.WithField("time", cur[d.schemas.time]).Debug("new time baseline after a forward jump")
			d.lastIteration = -1
		}
		d.jumpValid = false
	}
	if t == FrameIntra {
		d.hist.CommitIntra()
	} else {
		d.hist.CommitInter()
	}
	d.mainValid = true

	vals := append([]int64(nil), d.hist.Previous()...)
	fr := Frame{Type: t, Offset: start, Size: size, Time: vals[d.schemas.time], Values: vals}
	if it := d.schemas.iteration; it >= 0 {
		fr.Iteration = vals[it]
		d.flight.Stats.IntentionallyAbsent += d.countAbsentTo(fr.Iteration)
		d.lastIteration = fr.Iteration
	}
	d.lastTime = fr.Time

	st := &d.flight.Stats
	st.observeFields(vals, len(d.flight.Frames) == 0)
	st.addValid(t, size)
	d.flight.Frames = append(d.flight.Frames, fr)
	d.flight.slowAt = append(d.flight.slowAt, len(d.flight.Slow)-1)
	if d.opts.Metrics != nil {
		d.opts.Metrics.AddFrame(int64(size))
	}
}

// applyRollover widens the 32-bit time counter.
func (d *sectionDecoder) applyRollover(cur []int64) {
	ti := d.schemas.time
	t := uint32(cur[ti])
	if d.lastTime >= 0 {
		last := uint32(d.lastTime)
		if t < last && t-last < maxTimeJump {
			d.rollover += 1 << 32
		}
	}
	cur[ti] = int64(t) + d.rollover
}

// continuous reports whether cur follows the last main frame within the
// allowed jumps.
func (d *sectionDecoder) continuous(cur []int64) bool {
	return d.follows(cur, d.lastIteration, d.lastTime)
}

// follows reports whether cur is no earlier than and within the allowed
// jumps of the given iteration and time. Negative references are unset.
func (d *sectionDecoder) follows(cur []int64, iteration, ts int64) bool {
	if it := d.schemas.iteration; it >= 0 && iteration >= 0 {
		v := cur[it]
		if v < iteration || v > iteration+maxIterationJump {
			return false
		}
	}
	if ts >= 0 {
		v := cur[d.schemas.time]
		if v < ts || v > ts+maxTimeJump {
			return false
		}
	}
	return true
}

// noteJump remembers cur when it moved forward past the allowed window;
// frames going backwards never start a baseline.
func (d *sectionDecoder) noteJump(cur []int64) {
	d.jumpValid = cur[d.schemas.time] > d.lastTime
	if it := d.schemas.iteration; it >= 0 && cur[it] < d.lastIteration {
		d.jumpValid = false
	}
	if !d.jumpValid {
		return
	}
	d.jump = [2]int64{-1, cur[d.schemas.time]}
	if it := d.schemas.iteration; it >= 0 {
		d.jump[0] = cur[it]
	}
}

func (d *sectionDecoder) resumesAfterJump(cur []int64) bool {
	return d.jumpValid && d.follows(cur, d.jump[0], d.jump[1])
}

// shouldHaveFrame reports whether the logging rate records iteration idx.
func (d *sectionDecoder) shouldHaveFrame(idx int64) bool {
	m := d.meta
	return (idx%int64(m.IInterval)+int64(m.PIntervalNum)-1)%int64(m.PIntervalDenom) < int64(m.PIntervalNum)
}

// countSkipped counts iterations deliberately not logged since the last
// main frame.
func (d *sectionDecoder) countSkipped() int {
	if d.lastIteration < 0 || d.schemas.iteration < 0 {
		return 0
	}
	limit := d.meta.IInterval * d.meta.PIntervalDenom
	n := 0
	for idx := d.lastIteration + 1; !d.shouldHaveFrame(idx) && n < limit; idx++ {
		n++
	}
	return n
}

func (d *sectionDecoder) countAbsentTo(target int64) int {
	if d.lastIteration < 0 {
		return 0
	}
	n := 0
	for idx := d.lastIteration + 1; idx < target; idx++ {
		if !d.shouldHaveFrame(idx) {
			n++
		}
	}
	return n
}

func (d *sectionDecoder) auxFrame(t FrameType, start, size int, values []int64) Frame {
	fr := Frame{Type: t, Offset: start, Size: size, Values: append([]int64(nil), values...)}
	if d.lastTime > 0 {
		fr.Time = d.lastTime
	}
	if d.lastIteration > 0 {
		fr.Iteration = d.lastIteration
	}
	return fr
}

func (d *sectionDecoder) completeSlow(start, size int) {
	d.slowValid = true
	d.flight.Slow = append(d.flight.Slow, d.auxFrame(FrameSlow, start, size, d.aux[FrameSlow]))
	d.flight.Stats.addValid(FrameSlow, size)
}

func (d *sectionDecoder) completeHome(start, size int) {
	copy(d.home, d.aux[FrameGPSHome])
	d.homeValid = true
	d.flight.GPSHome = append(d.flight.GPSHome, d.auxFrame(FrameGPSHome, start, size, d.home))
	d.flight.Stats.addValid(FrameGPSHome, size)
}

// completeGPS keeps a G frame only once its home reference is known.
func (d *sectionDecoder) completeGPS(start, size int) {
	s := d.schemas.Get(FrameGPS)
	if s.usesHome && !d.homeValid {
		d.flight.Stats.Frame(FrameGPS).Desync++
		return
	}
	fr := d.auxFrame(FrameGPS, start, size, d.aux[FrameGPS])
	if ti := s.Index(fieldTime); ti >= 0 {
		fr.Time = fr.Values[ti]
	}
	d.flight.GPS = append(d.flight.GPS, fr)
	d.flight.Stats.addValid(FrameGPS, size)
}

func (d *sectionDecoder) completeEvent(ev Event, start, size int) {
	ev.Offset = start
	switch ev.Type {
	case EventSyncBeep:
		ev.Time += d.rollover
	case EventLoggingResume:
		ev.Time += d.rollover
		d.lastIteration = ev.Iteration
		d.lastTime = ev.Time
	case EventLogEnd:
		d.ended = true
		d.flight.Ended = true
		fallthrough
	default:
		if d.lastTime > 0 {
			ev.Time = d.lastTime
		}
	}
	d.flight.Events = append(d.flight.Events, ev)
	d.flight.Stats.addValid(FrameEvent, size)
}
