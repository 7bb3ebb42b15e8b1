package bbl

import (
	"fmt"
	"strconv"
	"strings"

	"example.com/bblog/internal/header"
)

const (
	// MaxFields bounds the field count of any frame schema.
	MaxFields = 128

	fieldTime      = "time"
	fieldIteration = "loopIteration"
	fieldMotor0    = "motor[0]"
)

var homeFields = [2]string{"GPS_home[0]", "GPS_home[1]"}

// FrameType is the one-byte marker that starts a frame.
type FrameType byte

const (
	FrameIntra   FrameType = 'I'
	FrameInter   FrameType = 'P'
	FrameSlow    FrameType = 'S'
	FrameGPS     FrameType = 'G'
	FrameGPSHome FrameType = 'H'
	FrameEvent   FrameType = 'E'
)

// schemaTypes lists the frame types with header-declared fields, in build
// order.
var schemaTypes = []FrameType{FrameIntra, FrameInter, FrameSlow, FrameGPS, FrameGPSHome}

func (t FrameType) String() string {
	return string(rune(t))
}

func (t FrameType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// IsMain reports whether frames of this type carry the main loop state.
func (t FrameType) IsMain() bool {
	return t == FrameIntra || t == FrameInter
}

// FieldDef describes one field of a frame schema.
type FieldDef struct {
	Name      string    `json:"name"`
	Signed    bool      `json:"signed"`
	Predictor Predictor `json:"predictor"`
	Encoding  Encoding  `json:"encoding"`
	Width     int       `json:"width,omitempty"`
	Scale     float64   `json:"scale,omitempty"`
}

// FrameSchema is the ordered field layout of one frame type.
type FrameSchema struct {
	Type   FrameType
	Fields []FieldDef

	index map[string]int
	// ref holds, per field, the index a cross-field predictor reads:
	// motor[0] in the current frame, or the home coordinate in the H frame.
	ref      []int
	usesHome bool
}

func newFrameSchema(t FrameType, fields []FieldDef) *FrameSchema {
	s := &FrameSchema{Type: t, Fields: fields, index: make(map[string]int, len(fields)), ref: make([]int, len(fields))}
	for i, f := range fields {
		if _, dup := s.index[f.Name]; !dup {
			s.index[f.Name] = i
		}
		s.ref[i] = -1
	}
	return s
}

// Index returns the position of the named field, or -1.
func (s *FrameSchema) Index(name string) int {
	if s == nil {
		return -1
	}
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

func (s *FrameSchema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Fields)
}

func (s *FrameSchema) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Schemas holds every declared frame schema of one log section.
type Schemas struct {
	Dialect Dialect
	byType  map[FrameType]*FrameSchema

	time      int
	iteration int
}

// Get returns the schema for t, or nil when the header did not declare it.
func (s *Schemas) Get(t FrameType) *FrameSchema {
	if s == nil {
		return nil
	}
	return s.byType[t]
}

// Declared reports whether b is a marker this section can decode. Event
// frames have a fixed layout and are always known.
func (s *Schemas) Declared(b byte) bool {
	if FrameType(b) == FrameEvent {
		return true
	}
	_, ok := s.byType[FrameType(b)]
	return ok
}

// TimeIndex and IterationIndex locate the well-known main fields; the
// iteration index is -1 when the schema has no loop counter.
func (s *Schemas) TimeIndex() int      { return s.time }
func (s *Schemas) IterationIndex() int { return s.iteration }

type fieldAttr int

const (
	attrName fieldAttr = iota
	attrSigned
	attrPredictor
	attrEncoding
	attrWidth
	attrScale
)

var betaflightAttrs = map[fieldAttr]string{
	attrName:      "name",
	attrSigned:    "signed",
	attrPredictor: "predictor",
	attrEncoding:  "encoding",
	attrWidth:     "width",
	attrScale:     "scale",
}

var compactAttrs = map[fieldAttr]string{
	attrName:      "fields",
	attrSigned:    "signed",
	attrPredictor: "predictors",
	attrEncoding:  "encodings",
	attrWidth:     "widths",
	attrScale:     "scales",
}

func detectDialect(doc *header.Document) Dialect {
	if _, ok := doc.Get(compactAttrs[attrName]); ok {
		return DialectCompact
	}
	return DialectBetaflight
}

func fieldKey(d Dialect, t FrameType, attr fieldAttr) string {
	if d == DialectCompact {
		if t == FrameIntra {
			return compactAttrs[attr]
		}
		return compactAttrs[attr] + "." + t.String()
	}
	return "Field " + t.String() + " " + betaflightAttrs[attr]
}

type schemaBuilder struct {
	doc     *header.Document
	dialect Dialect
	schemas *Schemas
}

func (b *schemaBuilder) fail(key string, err error) error {
	he := &HeaderError{Key: key, Err: err}
	if e, ok := b.doc.Entry(key); ok {
		he.Line = e.Line
	}
	return he
}

func (b *schemaBuilder) list(t FrameType, attr fieldAttr) (string, []string, bool) {
	key := fieldKey(b.dialect, t, attr)
	v, ok := b.doc.Get(key)
	if !ok {
		return key, nil, false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return key, []string{}, true
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return key, parts, true
}

// BuildSchemas derives frame schemas and section metadata from a parsed
// header. All header faults surface here, before any frame is read.
func BuildSchemas(doc *header.Document) (*Schemas, *Meta, error) {
	if doc == nil || doc.Len() == 0 {
		return nil, nil, ErrNoHeader
	}
	b := &schemaBuilder{
		doc:     doc,
		dialect: detectDialect(doc),
	}
	b.schemas = &Schemas{Dialect: b.dialect, byType: make(map[FrameType]*FrameSchema)}
	for _, t := range schemaTypes {
		s, err := b.build(t)
		if err != nil {
			return nil, nil, err
		}
		if s != nil {
			b.schemas.byType[t] = s
		}
	}
	if err := b.resolve(); err != nil {
		return nil, nil, err
	}
	meta, err := parseMeta(doc, b.dialect)
	if err != nil {
		return nil, nil, err
	}
	return b.schemas, meta, nil
}

func (b *schemaBuilder) build(t FrameType) (*FrameSchema, error) {
	nameKey, names, hasNames := b.list(t, attrName)
	predKey, preds, hasPreds := b.list(t, attrPredictor)
	encKey, encs, hasEncs := b.list(t, attrEncoding)
	signKey, signs, hasSigns := b.list(t, attrSigned)

	if !hasNames && t == FrameInter && hasPreds {
		intra := b.schemas.Get(FrameIntra)
		if intra == nil {
			return nil, b.fail(predKey, fmt.Errorf("%w: P fields declared without I fields", ErrMalformedHeader))
		}
		nameKey, names, hasNames = fieldKey(b.dialect, FrameIntra, attrName), intra.Names(), true
		if !hasSigns {
			signs = make([]string, len(intra.Fields))
			for i, f := range intra.Fields {
				if f.Signed {
					signs[i] = "1"
				} else {
					signs[i] = "0"
				}
			}
			hasSigns = true
		}
	}
	if !hasNames {
		if hasPreds || hasEncs {
			key := predKey
			if !hasPreds {
				key = encKey
			}
			return nil, b.fail(key, fmt.Errorf("%w: %s fields have no name list", ErrMalformedHeader, t))
		}
		if t == FrameIntra {
			return nil, &HeaderError{Key: nameKey, Err: fmt.Errorf("%w: no I frame fields declared", ErrMalformedHeader)}
		}
		return nil, nil
	}
	if len(names) > MaxFields {
		return nil, b.fail(nameKey, fmt.Errorf("%w: %d fields exceed the limit of %d", ErrMalformedHeader, len(names), MaxFields))
	}
	if !hasPreds {
		return nil, b.fail(nameKey, fmt.Errorf("%w: %s fields have no predictor list", ErrMalformedHeader, t))
	}
	if !hasEncs {
		return nil, b.fail(nameKey, fmt.Errorf("%w: %s fields have no encoding list", ErrMalformedHeader, t))
	}
	if err := b.sameLength(predKey, "predictor", len(names), len(preds)); err != nil {
		return nil, err
	}
	if err := b.sameLength(encKey, "encoding", len(names), len(encs)); err != nil {
		return nil, err
	}
	if hasSigns {
		if err := b.sameLength(signKey, "signedness", len(names), len(signs)); err != nil {
			return nil, err
		}
	}
	widthKey, widths, hasWidths := b.list(t, attrWidth)
	if hasWidths {
		if err := b.sameLength(widthKey, "width", len(names), len(widths)); err != nil {
			return nil, err
		}
	}
	scaleKey, scales, hasScales := b.list(t, attrScale)
	if hasScales {
		if err := b.sameLength(scaleKey, "scale", len(names), len(scales)); err != nil {
			return nil, err
		}
	}

	fields := make([]FieldDef, len(names))
	for i, name := range names {
		f := FieldDef{Name: name}
		p, err := ParsePredictor(preds[i])
		if err != nil {
			return nil, b.fail(predKey, err)
		}
		f.Predictor = p
		enc, err := ParseEncoding(encs[i], b.dialect)
		if err != nil {
			return nil, b.fail(encKey, err)
		}
		f.Encoding = enc
		if hasSigns {
			n, err := strconv.Atoi(signs[i])
			if err != nil {
				return nil, b.fail(signKey, fmt.Errorf("%w: signedness %q is not a number", ErrMalformedHeader, signs[i]))
			}
			f.Signed = n != 0
		}
		if hasWidths {
			n, err := strconv.Atoi(widths[i])
			if err != nil {
				return nil, b.fail(widthKey, fmt.Errorf("%w: width %q is not a number", ErrMalformedHeader, widths[i]))
			}
			f.Width = n
		}
		if hasScales {
			v, err := strconv.ParseFloat(scales[i], 64)
			if err != nil {
				return nil, b.fail(scaleKey, fmt.Errorf("%w: scale %q is not a number", ErrMalformedHeader, scales[i]))
			}
			f.Scale = v
		}
		fields[i] = f
	}
	s := newFrameSchema(t, fields)
	if t == FrameIntra {
		b.schemas.time = s.Index(fieldTime)
		b.schemas.iteration = s.Index(fieldIteration)
		if b.schemas.time < 0 {
			return nil, b.fail(nameKey, fmt.Errorf("%w: I fields lack %q", ErrMalformedHeader, fieldTime))
		}
	}
	if t == FrameInter && len(fields) != b.schemas.Get(FrameIntra).Len() {
		return nil, b.fail(nameKey, fmt.Errorf("%w: P declares %d fields, I declares %d", ErrMalformedHeader, len(fields), b.schemas.Get(FrameIntra).Len()))
	}
	return s, nil
}

func (b *schemaBuilder) sameLength(key, what string, want, got int) error {
	if want == got {
		return nil
	}
	return b.fail(key, fmt.Errorf("%w: %d fields but %d %s entries", ErrMalformedHeader, want, got, what))
}

// resolve binds cross-field predictors to field positions.
func (b *schemaBuilder) resolve() error {
	home := b.schemas.Get(FrameGPSHome)
	for _, t := range schemaTypes {
		s := b.schemas.Get(t)
		if s == nil {
			continue
		}
		homeSeen := 0
		for i, f := range s.Fields {
			switch f.Predictor {
			case PredictorMotor0:
				idx := s.Index(fieldMotor0)
				if idx < 0 {
					return b.fail(fieldKey(b.dialect, t, attrPredictor), fmt.Errorf("%w: %s uses the motor[0] predictor without a motor[0] field", ErrMalformedHeader, f.Name))
				}
				s.ref[i] = idx
			case PredictorHomeCoord:
				key := fieldKey(b.dialect, t, attrPredictor)
				if homeSeen >= len(homeFields) {
					return b.fail(key, fmt.Errorf("%w: more than two home-coordinate fields", ErrMalformedHeader))
				}
				idx := home.Index(homeFields[homeSeen])
				if idx < 0 {
					return b.fail(key, fmt.Errorf("%w: %s needs %s in H frames", ErrMalformedHeader, f.Name, homeFields[homeSeen]))
				}
				s.ref[i] = idx
				s.usesHome = true
				homeSeen++
			}
		}
	}
	return nil
}
