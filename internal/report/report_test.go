package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/bbltest"
	"example.com/bblog/internal/rules"
)

func sampleReport() rules.AcceptanceReport {
	flight := 0
	ts := int64(251000)
	rep := rules.AcceptanceReport{
		GateMatrix: []rules.GateResult{
			{RuleId: "BB-001", Name: "Header decodes", Stage: rules.StageHeader, Severity: rules.ERROR, Pass: true},
			{RuleId: "BB-004", Name: "Time gaps", Stage: rules.StageTime, Severity: rules.WARN, Pass: true, Findings: 1},
		},
		Findings: []rules.Diagnostic{{
			Ts: time.Unix(0, 0), File: "gaps.bbl", Flight: &flight, FrameIndex: 2, Offset: "0x2A",
			RuleId: "BB-004", Severity: rules.WARN, Message: "1 gap(s) over 100ms", Refs: []string{"time"},
			TimestampUs: &ts,
		}},
	}
	rep.Summary.Total = 1
	rep.Summary.Warnings = 1
	rep.Summary.Pass = true
	return rep
}

func TestParseLanguage(t *testing.T) {
	for in, want := range map[string]Language{"": LangEnglish, "EN": LangEnglish, "tr-TR": LangTurkish, "turkce": LangTurkish} {
		got, err := ParseLanguage(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLanguage("xx")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestTranslatorFallback(t *testing.T) {
	tr := NewTranslator(LangTurkish)
	assert.Equal(t, LangTurkish, tr.Lang())
	assert.Equal(t, "GECTI", tr.T("pass"))
	assert.Equal(t, "missing_key", tr.T("missing_key"))
	assert.Equal(t, "Ucus 3", tr.Format("flight_n", 3))

	assert.Equal(t, LangEnglish, NewTranslator("fr").Lang())
}

func TestLocalesShareKeys(t *testing.T) {
	for key := range catalogs()[LangEnglish] {
		_, ok := catalogs()[LangTurkish][key]
		assert.True(t, ok, "tr.json missing %s", key)
	}
}

func TestHashToQR(t *testing.T) {
	png, err := HashToQR("  ab:cd-12 ", 64)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
	assert.Equal(t, "ABCD12", sanitizeHash("  ab:cd-12 "))

	_, err = HashToQR("zz", 64)
	assert.Error(t, err)
}

func TestAcceptanceJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acceptance.json")
	rep := sampleReport()
	require.NoError(t, SaveAcceptanceJSON(rep, path))
	got, err := LoadAcceptanceJSON(path)
	require.NoError(t, err)
	assert.Equal(t, rep.Summary, got.Summary)
	assert.Equal(t, rep.GateMatrix, got.GateMatrix)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, int64(251000), *got.Findings[0].TimestampUs)
}

func TestSummarizeFlights(t *testing.T) {
	data := bbltest.New().
		Header("fields", "time,gyroADC[0]").
		Header("predictors", "0,0").
		Header("encodings", "0,0").
		Header("Craft name", "quad").
		Frame('I', bbltest.UVB(0), bbltest.UVB(1)).
		Frame('I', bbltest.UVB(2000), bbltest.UVB(2)).
		LogEnd().
		Bytes()
	log, err := bbl.Decode(data)
	require.NoError(t, err)

	got := SummarizeFlights(log)
	require.Len(t, got, 1)
	assert.Equal(t, FlightSummary{Index: 0, Craft: "quad", Duration: 2 * time.Millisecond, Frames: 2, Ended: true}, got[0])
	assert.Nil(t, SummarizeFlights(nil))
}

func TestSavePDF(t *testing.T) {
	dir := t.TempDir()
	doc := Document{
		Input:       "gaps.bbl",
		InputSha256: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Generated:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Acceptance:  sampleReport(),
		Flights:     []FlightSummary{{Index: 0, Duration: time.Second, Frames: 10, Truncated: true}},
	}
	for _, lang := range []Language{LangEnglish, LangTurkish} {
		out := filepath.Join(dir, string(lang)+".pdf")
		require.NoError(t, SavePDF(doc, lang, out))
		b, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(b, []byte("%PDF-")))
	}

	plain := filepath.Join(dir, "plain.pdf")
	require.NoError(t, SaveAcceptancePDF(rules.AcceptanceReport{}, plain))
	info, err := os.Stat(plain)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}
