package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/bbltest"
)

func testFlight(t *testing.T) *bbl.Flight {
	t.Helper()
	data := bbltest.New().
		Header("fields", "time,gyroADC[0]").
		Header("signed", "0,1").
		Header("predictors", "0,0").
		Header("encodings", "0,1").
		Frame('I', bbltest.UVB(0), bbltest.SVB(180)).
		Frame('I', bbltest.UVB(1_000_000), bbltest.SVB(-90)).
		LogEnd().
		Bytes()
	log, err := bbl.Decode(data)
	require.NoError(t, err)
	require.Len(t, log.Flights, 1)
	return log.Flights[0]
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{in: "csv", want: CSV},
		{in: " NDJSON ", want: NDJSON},
		{in: "jsonl", want: NDJSON},
		{in: "json", want: JSON},
		{in: "", want: CSV},
		{in: "xml", err: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseFormat(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "LOG00001.02.csv", FileName("/logs/LOG00001.BFL", 2, CSV))
	assert.Equal(t, "flight.00.ndjson", FileName("flight.bbl", 0, NDJSON))
}

func TestWriteCSV(t *testing.T) {
	f := testFlight(t)
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, f, Options{}))
	assert.Equal(t, "time,gyroADC[0]\n0,180\n1000000,-90\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteCSV(&buf, f, Options{Physical: true}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "time (s),gyroADC[0] (rad/s)", lines[0])
	assert.Equal(t, "0,3.141592653589793", lines[1])
	assert.Equal(t, "1,-1.5707963267948966", lines[2])
}

func TestWriteNDJSONKeepsFieldOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNDJSON(&buf, testFlight(t), Options{}))
	assert.Equal(t, "{\"time\":0,\"gyroADC[0]\":180}\n{\"time\":1000000,\"gyroADC[0]\":-90}\n", buf.String())
}

func TestRowWriter(t *testing.T) {
	f := testFlight(t)
	var buf bytes.Buffer
	rw, err := NewRowWriter(&buf, f, Options{})
	require.NoError(t, err)
	rows := f.Rows()
	require.NoError(t, rw.Write(rows[1]))
	assert.Equal(t, "{\"time\":1000000,\"gyroADC[0]\":-90}\n", buf.String())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testFlight(t), JSON, Options{}))

	var doc struct {
		Index      int       `json:"index"`
		DurationUs int64     `json:"durationUs"`
		Ended      bool      `json:"ended"`
		Fields     []string  `json:"fields"`
		Rows       [][]int64 `json:"rows"`
		Events     []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 0, doc.Index)
	assert.Equal(t, int64(1_000_000), doc.DurationUs)
	assert.True(t, doc.Ended)
	assert.Equal(t, []string{"time", "gyroADC[0]"}, doc.Fields)
	assert.Equal(t, [][]int64{{0, 180}, {1_000_000, -90}}, doc.Rows)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, bbl.EventLogEnd.String(), doc.Events[0].Type)

	assert.Error(t, Write(&buf, testFlight(t), Format("xml"), Options{}))
}
