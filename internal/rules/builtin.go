package rules

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/common"
)

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }

func (e *Engine) RegisterBuiltins() {
	e.Register("CheckHeader", CheckHeader)
	e.Register("CheckFlightsPresent", CheckFlightsPresent)
	e.Register("CheckCorruptRatio", CheckCorruptRatio)
	e.Register("CheckTimeGaps", CheckTimeGaps)
	e.Register("CheckMinDuration", CheckMinDuration)
	e.Register("CheckTuning", CheckTuning)
	e.Register("TrimTruncatedTail", TrimTruncatedTail)
}

func newDiag(ctx *Context, rule Rule, sev Severity, msg string) Diagnostic {
	return Diagnostic{Ts: time.Now(), File: ctx.InputFile, RuleId: rule.RuleId, Severity: sev, Message: msg, Refs: rule.Refs}
}

func flightDiag(ctx *Context, rule Rule, f *bbl.Flight, sev Severity, msg string) Diagnostic {
	d := newDiag(ctx, rule, sev, msg)
	d.Flight = intPtr(f.Index)
	return d
}

func paramFloat(rule Rule, key string, def float64) float64 {
	switch v := rule.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// undecodable reports rules that need frames when the header already failed.
func undecodable(ctx *Context, rule Rule) []Diagnostic {
	return []Diagnostic{newDiag(ctx, rule, INFO, "skipped: log could not be decoded")}
}

func CheckHeader(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if ctx.DecodeErr != nil {
		d := newDiag(ctx, rule, ERROR, ctx.DecodeErr.Error())
		var he *bbl.HeaderError
		if errors.As(ctx.DecodeErr, &he) {
			d.Flight = intPtr(he.Section)
			if he.Line > 0 {
				d.Offset = fmt.Sprintf("line %d", he.Line)
			}
		}
		return []Diagnostic{d}, nil
	}
	log := ctx.Log
	first := log.Sections[0]
	msg := fmt.Sprintf("%d section(s), %s dialect, data version %d, checksum %s",
		len(log.Sections), first.Schemas.Dialect, first.Meta.DataVersion, first.Meta.Checksum)
	return []Diagnostic{newDiag(ctx, rule, INFO, msg)}, nil
}

func CheckFlightsPresent(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if ctx.Log == nil {
		return undecodable(ctx, rule), nil
	}
	log := ctx.Log
	if len(log.Flights) == 0 {
		return []Diagnostic{newDiag(ctx, rule, ERROR, fmt.Sprintf("no flight with valid main frames in %d section(s)", len(log.Sections)))}, nil
	}
	msg := fmt.Sprintf("%d flight(s) decoded", len(log.Flights))
	if log.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", log.Dropped)
	}
	return []Diagnostic{newDiag(ctx, rule, INFO, msg)}, nil
}

func CheckCorruptRatio(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if ctx.Log == nil {
		return undecodable(ctx, rule), nil
	}
	limit := paramFloat(rule, "maxRatio", 0.01)
	var diags []Diagnostic
	for _, f := range ctx.Log.Flights {
		ratio := f.Stats.CorruptRatio()
		msg := fmt.Sprintf("%d corrupt of %d main frames (%.2f%%), %d resyncs", f.Stats.CorruptFrames,
			f.Stats.ValidMain()+f.Stats.CorruptFrames, ratio*100, f.Stats.Resyncs)
		sev := INFO
		if ratio > limit {
			sev = rule.Severity
			msg += fmt.Sprintf(", limit %.2f%%", limit*100)
		}
		diags = append(diags, flightDiag(ctx, rule, f, sev, msg))
	}
	return diags, nil
}

func CheckTimeGaps(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if ctx.Log == nil {
		return undecodable(ctx, rule), nil
	}
	maxGap := int64(paramFloat(rule, "maxGapMs", 100) * 1000)
	var diags []Diagnostic
	for _, f := range ctx.Log.Flights {
		var (
			count   int
			widest  int64
			widestI int
		)
		for i := 1; i < len(f.Frames); i++ {
			gap := f.Frames[i].Time - f.Frames[i-1].Time
			if gap > maxGap {
				count++
			}
			if gap > widest {
				widest, widestI = gap, i
			}
		}
		if count == 0 {
			diags = append(diags, flightDiag(ctx, rule, f, INFO, fmt.Sprintf("largest gap %dus", widest)))
			continue
		}
		d := flightDiag(ctx, rule, f, rule.Severity, fmt.Sprintf("%d gap(s) over %dms, largest %dus", count, maxGap/1000, widest))
		fr := f.Frames[widestI]
		d.FrameIndex = widestI
		d.Offset = fmt.Sprintf("0x%X", fr.Offset)
		d.TimestampUs = int64Ptr(fr.Time)
		diags = append(diags, d)
	}
	return diags, nil
}

func CheckMinDuration(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if ctx.Log == nil {
		return undecodable(ctx, rule), nil
	}
	floor := time.Duration(paramFloat(rule, "minSeconds", 40) * float64(time.Second))
	var diags []Diagnostic
	for _, f := range ctx.Log.Flights {
		d := f.Duration()
		if d < floor {
			diags = append(diags, flightDiag(ctx, rule, f, rule.Severity, fmt.Sprintf("flight lasts %s, minimum %s", d.Round(time.Millisecond), floor)))
			continue
		}
		diags = append(diags, flightDiag(ctx, rule, f, INFO, fmt.Sprintf("flight lasts %s", d.Round(time.Millisecond))))
	}
	return diags, nil
}

func CheckTuning(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if ctx.Log == nil {
		return undecodable(ctx, rule), nil
	}
	var diags []Diagnostic
	for _, f := range ctx.Log.Flights {
		m := f.Meta
		if !m.HasPID {
			diags = append(diags, flightDiag(ctx, rule, f, rule.Severity, "no PID gains in header"))
			continue
		}
		var parts []string
		for _, axis := range []string{"roll", "pitch", "yaw"} {
			pid, _ := m.PIDFor(axis)
			parts = append(parts, fmt.Sprintf("%s %d/%d/%d/%d", axis, pid.P, pid.I, pid.D, pid.FF))
		}
		diags = append(diags, flightDiag(ctx, rule, f, INFO, strings.Join(parts, ", ")))
	}
	return diags, nil
}

// TrimTruncatedTail flags flights cut inside a frame. When the cut is at the
// end of the file and fixes are enabled, it writes a copy ending after the
// last validated frame.
func TrimTruncatedTail(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if ctx.Log == nil {
		return undecodable(ctx, rule), nil
	}
	log := ctx.Log
	var diags []Diagnostic
	for _, f := range log.Flights {
		switch {
		case f.Truncated:
		case f.Ended:
			diags = append(diags, flightDiag(ctx, rule, f, INFO, "log end present"))
			continue
		default:
			diags = append(diags, flightDiag(ctx, rule, f, INFO, "no log-end event"))
			continue
		}
		end := lastFrameEnd(f)
		d := flightDiag(ctx, rule, f, rule.Severity, fmt.Sprintf("flight cut inside a frame after offset 0x%X", end))
		d.Offset = fmt.Sprintf("0x%X", end)
		tail := f.Index == len(log.Sections)-1
		d.FixSuggested = tail && rule.Fixable
		if d.FixSuggested && ctx.ApplyFixes {
			out, err := writeTrimmed(ctx, end)
			if err != nil {
				return diags, err
			}
			if err := auditTrim(ctx, rule, out, end); err != nil {
				return diags, err
			}
			d.FixApplied = true
			d.FixOutput = out
			d.Message += ", trimmed copy written"
			common.Logf("trimmed %s to %d bytes: %s", ctx.InputFile, end, out)
		}
		diags = append(diags, d)
	}
	return diags, nil
}

func lastFrameEnd(f *bbl.Flight) int {
	end := 0
	for _, list := range [][]bbl.Frame{f.Frames, f.Slow, f.GPS, f.GPSHome} {
		if n := len(list); n > 0 {
			if e := list[n-1].Offset + list[n-1].Size; e > end {
				end = e
			}
		}
	}
	return end
}

func writeTrimmed(ctx *Context, end int) (string, error) {
	if end <= 0 || end > len(ctx.Data) {
		return "", fmt.Errorf("trim offset %d outside input", end)
	}
	dir := ctx.OutputDir
	if dir == "" {
		dir = filepath.Dir(ctx.InputFile)
	}
	base := filepath.Base(ctx.InputFile)
	if base == "." || base == string(filepath.Separator) {
		base = "input"
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	out := filepath.Join(dir, base+".trimmed.bbl")
	if err := os.WriteFile(out, ctx.Data[:end], 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func auditTrim(ctx *Context, rule Rule, out string, end int) error {
	if ctx.AuditLog == nil {
		return nil
	}
	return ctx.AuditLog.Append(common.FixEntry{
		RuleID:       rule.RuleId,
		Input:        ctx.InputFile,
		Output:       out,
		InputSha256:  common.Sha256OfBytes(ctx.Data),
		OutputSha256: common.Sha256OfBytes(ctx.Data[:end]),
		Offset:       int64(end),
		RemovedHex:   hex.EncodeToString(ctx.Data[end:]),
	})
}
