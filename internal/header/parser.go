// Package header reads the textual preamble of a blackbox log: a run of
// "H key:value" lines that ends at the first byte not starting such a line.
package header

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/elliotchance/orderedmap/v3"
)

const (
	linePrefix    = "H "
	maxLineLength = 1024
)

var (
	ErrNoHeader    = errors.New("header: data does not start with a header line")
	ErrLineTooLong = errors.New("header: line exceeds maximum length")
)

// Entry is one declaration as it appeared in the log.
type Entry struct {
	Key   string
	Value string
	Line  int
}

// Document is an ordered key/value view of one header section. Repeated keys
// keep the position of their first declaration and the value of the last.
type Document struct {
	entries *orderedmap.OrderedMap[string, Entry]
	skipped []string
	size    int
}

func newDocument() *Document {
	return &Document{entries: orderedmap.NewOrderedMap[string, Entry]()}
}

// IsLineStart reports whether a header line begins at data[pos].
func IsLineStart(data []byte, pos int) bool {
	return pos >= 0 && pos+len(linePrefix) <= len(data) && data[pos] == 'H' && data[pos+1] == ' '
}

// LineEnd validates a complete "H key:value" line at data[pos] and returns
// the offset just past its newline. Unlike IsLineStart it rejects control
// bytes, a missing separator or a missing newline, so it can tell a header
// line apart from binary frame data that happens to start with "H ".
func LineEnd(data []byte, pos int) (int, bool) {
	if !IsLineStart(data, pos) {
		return 0, false
	}
	body := data[pos+len(linePrefix):]
	if len(body) > maxLineLength {
		body = body[:maxLineLength]
	}
	sep := false
	for i, c := range body {
		switch {
		case c == '\n':
			if !sep {
				return 0, false
			}
			return pos + len(linePrefix) + i + 1, true
		case c == ':':
			sep = sep || i > 0
		case c == '\r' || c == '\t' || c >= 0x20 && c != 0x7F:
		default:
			return 0, false
		}
	}
	return 0, false
}

// Parse reads header lines from the start of data. It returns the document and
// the number of bytes consumed, which is the offset of the data marker.
func Parse(data []byte) (*Document, int, error) {
	if !IsLineStart(data, 0) {
		return nil, 0, ErrNoHeader
	}
	doc := newDocument()
	pos := 0
	line := 0
	for IsLineStart(data, pos) {
		line++
		end := bytes.IndexByte(data[pos:], '\n')
		next := len(data)
		if end >= 0 {
			next = pos + end + 1
		}
		if next-pos > maxLineLength {
			return nil, pos, fmt.Errorf("%w: line %d", ErrLineTooLong, line)
		}
		raw := string(data[pos+len(linePrefix) : next])
		raw = strings.TrimRight(raw, "\r\n")
		key, value, ok := strings.Cut(raw, ":")
		if !ok {
			doc.skipped = append(doc.skipped, raw)
		} else {
			doc.put(Entry{Key: strings.TrimSpace(key), Value: value, Line: line})
		}
		pos = next
	}
	doc.size = pos
	return doc, pos, nil
}

// ParseFile loads a standalone header file, e.g. one exported by a
// configurator.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, _, err := Parse(data)
	return doc, err
}

func (d *Document) put(e Entry) {
	if prev, ok := d.entries.Get(e.Key); ok {
		e.Line = prev.Line
	}
	d.entries.Set(e.Key, e)
}

// Get returns the value declared for key.
func (d *Document) Get(key string) (string, bool) {
	if d == nil {
		return "", false
	}
	e, ok := d.entries.Get(key)
	return e.Value, ok
}

// Entry returns the full declaration for key.
func (d *Document) Entry(key string) (Entry, bool) {
	if d == nil {
		return Entry{}, false
	}
	return d.entries.Get(key)
}

// Set adds or replaces a value. It reports whether the document changed.
func (d *Document) Set(key, value string) bool {
	if e, ok := d.entries.Get(key); ok {
		if e.Value == value {
			return false
		}
		e.Value = value
		d.entries.Set(key, e)
		return true
	}
	d.entries.Set(key, Entry{Key: key, Value: value})
	return true
}

func (d *Document) Delete(key string) bool {
	return d.entries.Delete(key)
}

// Keys lists keys in declaration order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, d.entries.Len())
	for el := d.entries.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Key)
	}
	return keys
}

// Entries lists declarations in order.
func (d *Document) Entries() []Entry {
	if d == nil {
		return nil
	}
	out := make([]Entry, 0, d.entries.Len())
	for el := d.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return d.entries.Len()
}

// Skipped returns lines that carried no key:value separator.
func (d *Document) Skipped() []string {
	return d.skipped
}

// Size is the byte length of the parsed header.
func (d *Document) Size() int {
	return d.size
}

// Map copies the declarations into a plain map.
func (d *Document) Map() map[string]string {
	out := make(map[string]string, d.Len())
	for _, e := range d.Entries() {
		out[e.Key] = e.Value
	}
	return out
}

// String renders the document back to header lines.
func (d *Document) String() string {
	var b strings.Builder
	for _, e := range d.Entries() {
		b.WriteString(linePrefix)
		b.WriteString(e.Key)
		b.WriteByte(':')
		b.WriteString(e.Value)
		b.WriteByte('\n')
	}
	return b.String()
}

// ComputeDigest computes a SHA-256 digest of the canonical rendering.
func (d *Document) ComputeDigest() string {
	sum := sha256.Sum256([]byte(d.String()))
	return hex.EncodeToString(sum[:])
}
