package bbl

// FrameStats counts outcomes for one frame type.
type FrameStats struct {
	Valid   int `json:"valid"`
	Corrupt int `json:"corrupt"`
	// Desync counts frames that decoded cleanly but could not be used, such
	// as P frames while the main stream is broken.
	Desync int         `json:"desync"`
	Bytes  int         `json:"bytes"`
	Sizes  map[int]int `json:"sizes,omitempty"`
}

// FieldRange is the observed span of one main field.
type FieldRange struct {
	Name string `json:"name"`
	Min  int64  `json:"min"`
	Max  int64  `json:"max"`
}

// Stats summarises the decode of one flight.
type Stats struct {
	TotalBytes    int `json:"totalBytes"`
	CorruptFrames int `json:"corruptFrames"`
	Resyncs       int `json:"resyncs"`
	// NoiseBytes are bytes skipped while looking for a frame marker.
	NoiseBytes int `json:"noiseBytes"`
	// IntentionallyAbsent counts loop iterations the logging rate skips.
	IntentionallyAbsent int `json:"intentionallyAbsent"`

	Frames map[FrameType]*FrameStats `json:"frames"`
	Fields []FieldRange              `json:"fields,omitempty"`
}

func newStats(main *FrameSchema) Stats {
	s := Stats{Frames: make(map[FrameType]*FrameStats)}
	if main != nil {
		s.Fields = make([]FieldRange, len(main.Fields))
		for i, f := range main.Fields {
			s.Fields[i].Name = f.Name
		}
	}
	return s
}

// Frame returns the counters for t, creating them on first use.
func (s *Stats) Frame(t FrameType) *FrameStats {
	if s.Frames == nil {
		s.Frames = make(map[FrameType]*FrameStats)
	}
	fs, ok := s.Frames[t]
	if !ok {
		fs = &FrameStats{}
		s.Frames[t] = fs
	}
	return fs
}

func (s *Stats) addValid(t FrameType, size int) {
	fs := s.Frame(t)
	fs.Valid++
	fs.Bytes += size
	if fs.Sizes == nil {
		fs.Sizes = make(map[int]int)
	}
	fs.Sizes[size]++
}

func (s *Stats) addCorrupt(t FrameType) {
	s.Frame(t).Corrupt++
	s.CorruptFrames++
}

func (s *Stats) observeFields(values []int64, first bool) {
	for i := range s.Fields {
		if i >= len(values) {
			return
		}
		v := values[i]
		if first || v < s.Fields[i].Min {
			s.Fields[i].Min = v
		}
		if first || v > s.Fields[i].Max {
			s.Fields[i].Max = v
		}
	}
}

// ValidMain counts validated I and P frames.
func (s *Stats) ValidMain() int {
	n := 0
	for _, t := range []FrameType{FrameIntra, FrameInter} {
		if fs, ok := s.Frames[t]; ok {
			n += fs.Valid
		}
	}
	return n
}

// CorruptRatio is corrupt frames over all main frames attempted.
func (s *Stats) CorruptRatio() float64 {
	total := s.ValidMain() + s.CorruptFrames
	if total == 0 {
		return 0
	}
	return float64(s.CorruptFrames) / float64(total)
}
