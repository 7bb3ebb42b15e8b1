// Package export writes decoded flights as CSV, NDJSON or JSON.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/units"
)

type Format string

const (
	CSV    Format = "csv"
	NDJSON Format = "ndjson"
	JSON   Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case CSV, NDJSON, JSON:
		return f, nil
	case "jsonl":
		return NDJSON, nil
	case "":
		return CSV, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Options tune the written values.
type Options struct {
	// Physical converts fields with a unit rule instead of writing raw
	// integers.
	Physical bool
}

// FileName names the export of one flight: log.bbl, flight 2 -> log.02.csv.
func FileName(input string, index int, f Format) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return fmt.Sprintf("%s.%02d.%s", base, index, f)
}

// Write dispatches on format.
func Write(w io.Writer, f *bbl.Flight, format Format, opts Options) error {
	switch format {
	case CSV:
		return WriteCSV(w, f, opts)
	case NDJSON:
		return WriteNDJSON(w, f, opts)
	case JSON:
		return WriteJSON(w, f, opts)
	}
	return fmt.Errorf("unknown export format %q", format)
}

// column is one output column with its optional conversion.
type column struct {
	name    string
	label   string
	convert bool
	ctx     units.Context
}

func columns(f *bbl.Flight, opts Options) []column {
	names := f.Fields()
	cols := make([]column, len(names))
	for i, name := range names {
		c := column{name: name, label: name}
		if opts.Physical {
			c.ctx = f.UnitContext(name)
			c.convert = units.Converted(name, c.ctx)
			if u := units.Unit(name, c.ctx); c.convert && u != "" {
				c.label = fmt.Sprintf("%s (%s)", name, u)
			}
		}
		cols[i] = c
	}
	return cols
}

func (c column) format(v int64) string {
	if !c.convert {
		return strconv.FormatInt(v, 10)
	}
	return strconv.FormatFloat(units.Convert(c.name, v, c.ctx), 'g', -1, 64)
}

// WriteCSV writes a header line of field names followed by one line per
// main frame.
func WriteCSV(w io.Writer, f *bbl.Flight, opts Options) error {
	cols := columns(f, opts)
	cw := csv.NewWriter(w)
	head := make([]string, len(cols))
	for i, c := range cols {
		head[i] = c.label
	}
	if err := cw.Write(head); err != nil {
		return err
	}
	rec := make([]string, len(cols))
	for _, r := range f.Rows() {
		for i, c := range cols {
			rec[i] = c.format(r.Values[i])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteNDJSON writes one object per main frame with keys in field order.
func WriteNDJSON(w io.Writer, f *bbl.Flight, opts Options) error {
	rw, err := NewRowWriter(w, f, opts)
	if err != nil {
		return err
	}
	for _, r := range f.Rows() {
		if err := writeRow(rw.bw, rw.keys, rw.cols, r.Values); err != nil {
			return err
		}
	}
	return rw.bw.Flush()
}

// RowWriter streams rows of one flight as NDJSON, flushing after each row.
type RowWriter struct {
	bw   *bufio.Writer
	keys [][]byte
	cols []column
}

func NewRowWriter(w io.Writer, f *bbl.Flight, opts Options) (*RowWriter, error) {
	cols := columns(f, opts)
	rw := &RowWriter{bw: bufio.NewWriter(w), cols: cols, keys: make([][]byte, len(cols))}
	for i, c := range cols {
		k, err := json.Marshal(c.name)
		if err != nil {
			return nil, err
		}
		rw.keys[i] = k
	}
	return rw, nil
}

func (rw *RowWriter) Write(r bbl.Row) error {
	if err := writeRow(rw.bw, rw.keys, rw.cols, r.Values); err != nil {
		return err
	}
	return rw.bw.Flush()
}

func writeRow(bw *bufio.Writer, keys [][]byte, cols []column, vals []int64) error {
	bw.WriteByte('{')
	for i, c := range cols {
		if i > 0 {
			bw.WriteByte(',')
		}
		bw.Write(keys[i])
		bw.WriteByte(':')
		bw.WriteString(c.format(vals[i]))
	}
	_, err := bw.WriteString("}\n")
	return err
}

// flightDoc is the JSON form of a whole flight.
type flightDoc struct {
	Index      int         `json:"index"`
	DurationUs int64       `json:"durationUs"`
	Truncated  bool        `json:"truncated"`
	Ended      bool        `json:"ended"`
	Meta       *bbl.Meta   `json:"meta,omitempty"`
	Stats      bbl.Stats   `json:"stats"`
	Physical   bool        `json:"physical"`
	Fields     []string    `json:"fields"`
	Units      []string    `json:"units,omitempty"`
	Rows       [][]any     `json:"rows"`
	Events     []bbl.Event `json:"events"`
	GPSFields  []string    `json:"gpsFields,omitempty"`
	GPS        [][]int64   `json:"gps,omitempty"`
}

// WriteJSON writes the flight, its metadata and every row as one document.
func WriteJSON(w io.Writer, f *bbl.Flight, opts Options) error {
	cols := columns(f, opts)
	doc := flightDoc{
		Index:      f.Index,
		DurationUs: f.End() - f.Start(),
		Truncated:  f.Truncated,
		Ended:      f.Ended,
		Meta:       f.Meta,
		Stats:      f.Stats,
		Fields:     f.Fields(),
		Events:     f.Events,
		Physical:   opts.Physical,
	}
	if opts.Physical {
		doc.Units = make([]string, len(cols))
		for i, c := range cols {
			doc.Units[i] = units.Unit(c.name, c.ctx)
		}
	}
	for _, r := range f.Rows() {
		row := make([]any, len(cols))
		for i, c := range cols {
			if c.convert {
				row[i] = units.Convert(c.name, r.Values[i], c.ctx)
			} else {
				row[i] = r.Values[i]
			}
		}
		doc.Rows = append(doc.Rows, row)
	}
	if len(f.GPS) > 0 {
		doc.GPSFields = f.Schemas.Get(bbl.FrameGPS).Names()
		for _, fr := range f.GPS {
			doc.GPS = append(doc.GPS, fr.Values)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
