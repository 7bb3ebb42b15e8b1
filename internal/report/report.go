package report

import (
	"encoding/json"
	"os"
	"time"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/rules"
)

// FlightSummary is the per-flight line of a report.
type FlightSummary struct {
	Index     int           `json:"index"`
	Craft     string        `json:"craft,omitempty"`
	Duration  time.Duration `json:"duration"`
	Frames    int           `json:"frames"`
	Corrupt   int           `json:"corrupt"`
	Resyncs   int           `json:"resyncs"`
	Truncated bool          `json:"truncated"`
	Ended     bool          `json:"ended"`
}

// Document is everything a rendered report shows.
type Document struct {
	Input       string                 `json:"input,omitempty"`
	InputSha256 string                 `json:"inputSha256,omitempty"`
	Generated   time.Time              `json:"generated"`
	Acceptance  rules.AcceptanceReport `json:"acceptance"`
	Flights     []FlightSummary        `json:"flights,omitempty"`
}

func SummarizeFlights(log *bbl.Log) []FlightSummary {
	if log == nil {
		return nil
	}
	out := make([]FlightSummary, 0, len(log.Flights))
	for _, f := range log.Flights {
		s := FlightSummary{
			Index:     f.Index,
			Duration:  f.Duration(),
			Frames:    len(f.Frames),
			Corrupt:   f.Stats.CorruptFrames,
			Resyncs:   f.Stats.Resyncs,
			Truncated: f.Truncated,
			Ended:     f.Ended,
		}
		if f.Meta != nil {
			s.Craft = f.Meta.CraftName
		}
		out = append(out, s)
	}
	return out
}

func SaveAcceptanceJSON(rep rules.AcceptanceReport, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadAcceptanceJSON(path string) (rules.AcceptanceReport, error) {
	var rep rules.AcceptanceReport
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}

func SaveDocumentJSON(doc Document, out string) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}
