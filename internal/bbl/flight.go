package bbl

import (
	"fmt"
	"time"

	"example.com/bblog/internal/units"
)

// Frame is one validated record. Values follow the schema of its type.
type Frame struct {
	Type      FrameType `json:"type"`
	Offset    int       `json:"offset"`
	Size      int       `json:"size"`
	Iteration int64     `json:"iteration"`
	Time      int64     `json:"time"`
	Values    []int64   `json:"values"`
}

// Flight is one continuous logging session.
type Flight struct {
	Index   int      `json:"index"`
	Meta    *Meta    `json:"meta"`
	Schemas *Schemas `json:"-"`

	Frames  []Frame `json:"-"`
	Slow    []Frame `json:"-"`
	GPS     []Frame `json:"-"`
	GPSHome []Frame `json:"-"`
	Events  []Event `json:"events"`
	Stats   Stats   `json:"stats"`

	// Truncated is set when the section ended inside a frame.
	Truncated bool `json:"truncated"`
	// Ended is set when a log-end event closed the flight.
	Ended bool `json:"ended"`

	// slowAt maps each main frame to the latest slow frame before it, or -1.
	slowAt []int
	layout *rowLayout
}

type rowLayout struct {
	names []string
	index map[string]int
	// slowStart is the first column filled from slow frames; slowCols maps
	// those columns to slow schema positions.
	slowStart int
	slowCols  []int
}

func (f *Flight) rowLayout() *rowLayout {
	if f.layout != nil {
		return f.layout
	}
	main := f.Schemas.Get(FrameIntra)
	l := &rowLayout{index: make(map[string]int)}
	for _, name := range main.Names() {
		l.index[name] = len(l.names)
		l.names = append(l.names, name)
	}
	l.slowStart = len(l.names)
	slow := f.Schemas.Get(FrameSlow)
	for i, name := range slow.Names() {
		if _, dup := l.index[name]; dup {
			continue
		}
		l.index[name] = len(l.names)
		l.names = append(l.names, name)
		l.slowCols = append(l.slowCols, i)
	}
	f.layout = l
	return l
}

// Fields lists row columns: main fields, then slow fields not already
// present.
func (f *Flight) Fields() []string {
	l := f.rowLayout()
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}

// Row is one main frame with the latest slow state merged in.
type Row struct {
	Time   int64
	Values []int64
	layout *rowLayout
}

// Get returns the named value.
func (r Row) Get(name string) (int64, bool) {
	if r.layout == nil {
		return 0, false
	}
	i, ok := r.layout.index[name]
	if !ok || i >= len(r.Values) {
		return 0, false
	}
	return r.Values[i], true
}

func (r Row) Names() []string {
	if r.layout == nil {
		return nil
	}
	return r.layout.names
}

// Map copies the row into a name-keyed map.
func (r Row) Map() map[string]int64 {
	out := make(map[string]int64, len(r.Values))
	for i, name := range r.Names() {
		out[name] = r.Values[i]
	}
	return out
}

// Rows assembles one row per main frame in decode order.
func (f *Flight) Rows() []Row {
	l := f.rowLayout()
	rows := make([]Row, len(f.Frames))
	for i, fr := range f.Frames {
		vals := make([]int64, len(l.names))
		copy(vals, fr.Values)
		if i < len(f.slowAt) && f.slowAt[i] >= 0 {
			slow := f.Slow[f.slowAt[i]].Values
			for j, col := range l.slowCols {
				if col < len(slow) {
					vals[l.slowStart+j] = slow[col]
				}
			}
		}
		rows[i] = Row{Time: fr.Time, Values: vals, layout: l}
	}
	return rows
}

// Column returns one field across all rows.
func (f *Flight) Column(name string) ([]int64, bool) {
	l := f.rowLayout()
	col, ok := l.index[name]
	if !ok {
		return nil, false
	}
	out := make([]int64, len(f.Frames))
	if col < l.slowStart {
		for i, fr := range f.Frames {
			out[i] = fr.Values[col]
		}
		return out, true
	}
	slowIdx := l.slowCols[col-l.slowStart]
	for i := range f.Frames {
		if i < len(f.slowAt) && f.slowAt[i] >= 0 {
			out[i] = f.Slow[f.slowAt[i]].Values[slowIdx]
		}
	}
	return out, true
}

// UnitContext returns the conversion context for a field.
func (f *Flight) UnitContext(name string) units.Context {
	c := units.Context{GyroScale: 1, Degrees: true}
	if f.Meta != nil {
		c.GyroScale = f.Meta.GyroScale
		c.Degrees = f.Meta.FirmwareType != FirmwareBaseflight
	}
	for _, t := range []FrameType{FrameIntra, FrameSlow} {
		s := f.Schemas.Get(t)
		if i := s.Index(name); i >= 0 {
			c.FieldScale = s.Fields[i].Scale
			break
		}
	}
	return c
}

// Physical returns one field in physical units.
func (f *Flight) Physical(name string) ([]float64, error) {
	raw, ok := f.Column(name)
	if !ok {
		return nil, fmt.Errorf("flight %d: no field %q", f.Index, name)
	}
	return units.ConvertAll(name, raw, f.UnitContext(name)), nil
}

// Start and End bound the main frame timestamps in microseconds.
func (f *Flight) Start() int64 {
	if len(f.Frames) == 0 {
		return 0
	}
	return f.Frames[0].Time
}

func (f *Flight) End() int64 {
	if len(f.Frames) == 0 {
		return 0
	}
	return f.Frames[len(f.Frames)-1].Time
}

func (f *Flight) Duration() time.Duration {
	return time.Duration(f.End()-f.Start()) * time.Microsecond
}

// Len is the number of main frames.
func (f *Flight) Len() int {
	return len(f.Frames)
}

func (f *Flight) String() string {
	return fmt.Sprintf("flight %d: %d frames, %.1fs, %d corrupt", f.Index, len(f.Frames), f.Duration().Seconds(), f.Stats.CorruptFrames)
}
