package rules

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/common"
	"example.com/bblog/internal/source"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
	INFO  Severity = "INFO"
)

// RuleStage groups rules in the gate matrix.
type RuleStage string

const (
	StageHeader    RuleStage = "header"
	StageIntegrity RuleStage = "integrity"
	StageTime      RuleStage = "time"
	StageContent   RuleStage = "content"
)

type Rule struct {
	RuleId   string         `json:"ruleId"`
	Name     string         `json:"name,omitempty"`
	Stage    RuleStage      `json:"stage"`
	Scope    string         `json:"scope"` // file|flight
	Severity Severity       `json:"severity"`
	Fixable  bool           `json:"fixable"`
	FixFunc  string         `json:"fixFunction,omitempty"`
	Refs     []string       `json:"refs"`
	Params   map[string]any `json:"params,omitempty"`
	Message  string         `json:"message"`
}

type RulePack struct {
	RulePackId string `json:"rulePackId"`
	Version    string `json:"version"`
	Profile    string `json:"profile"`
	Rules      []Rule `json:"rules"`
}

type Diagnostic struct {
	Ts           time.Time `json:"ts"`
	File         string    `json:"file"`
	Flight       *int      `json:"flight,omitempty"`
	FrameIndex   int       `json:"frameIndex,omitempty"`
	Offset       string    `json:"offset,omitempty"`
	RuleId       string    `json:"ruleId"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Refs         []string  `json:"refs"`
	FixSuggested bool      `json:"fixSuggested"`
	FixApplied   bool      `json:"fixApplied"`
	FixOutput    string    `json:"fixOutput,omitempty"`
	TimestampUs  *int64    `json:"timestamp_us"`
}

// GateResult is one row of the acceptance gate matrix.
type GateResult struct {
	RuleId   string    `json:"ruleId"`
	Name     string    `json:"name,omitempty"`
	Stage    RuleStage `json:"stage"`
	Severity Severity  `json:"severity"`
	Pass     bool      `json:"pass"`
	Findings int       `json:"findings"`
}

type AcceptanceReport struct {
	Summary struct {
		Total    int  `json:"total"`
		Errors   int  `json:"errors"`
		Warnings int  `json:"warnings"`
		Pass     bool `json:"pass"`
	} `json:"summary"`
	GateMatrix []GateResult `json:"gateMatrix"`
	Findings   []Diagnostic `json:"findings,omitempty"`
}

// Context is what the rules inspect: one input log, decoded lazily.
type Context struct {
	InputFile string
	// Data, when set, is used instead of reading InputFile.
	Data    []byte
	Options []bbl.Option

	// ApplyFixes lets fixable rules write repaired copies into OutputDir
	// (the input's directory when empty).
	ApplyFixes bool
	OutputDir  string
	// AuditLog, when set, records every applied fix so it can be undone.
	AuditLog *common.FixLog

	Log *bbl.Log
	// DecodeErr holds the fatal error that stopped the decode, if any.
	DecodeErr error
}

// EnsureDecoded decodes the input once. Fatal decode errors are kept in
// DecodeErr for the rules to report; only I/O failures are returned.
func (ctx *Context) EnsureDecoded() error {
	if ctx == nil {
		return errors.New("nil context")
	}
	if ctx.Log != nil || ctx.DecodeErr != nil {
		return nil
	}
	if ctx.Data == nil {
		if ctx.InputFile == "" {
			return errors.New("no input")
		}
		data, err := source.ReadFile(ctx.InputFile)
		if err != nil {
			return err
		}
		ctx.Data = data
	}
	log, err := bbl.Decode(ctx.Data, ctx.Options...)
	if err != nil {
		if !bbl.IsFatal(err) {
			return err
		}
		ctx.DecodeErr = err
		return nil
	}
	ctx.Log = log
	return nil
}

type Engine struct {
	rulePack               RulePack
	registry               map[string]CheckFunc
	diagnostics            []Diagnostic
	includeTimestampFields bool
}

func NewEngine(rp RulePack) *Engine {
	return &Engine{
		rulePack:               rp,
		registry:               make(map[string]CheckFunc),
		includeTimestampFields: true,
	}
}

// CheckFunc evaluates one rule. Fixable rules may repair the input when the
// context allows it and mark their diagnostics FixApplied.
type CheckFunc func(ctx *Context, rule Rule) ([]Diagnostic, error)

func (e *Engine) Register(name string, f CheckFunc) {
	e.registry[name] = f
}

func (e *Engine) RulePack() RulePack {
	return e.rulePack
}

func (e *Engine) Eval(ctx *Context) ([]Diagnostic, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if err := ctx.EnsureDecoded(); err != nil {
		return nil, err
	}
	var diags []Diagnostic
	for _, r := range e.rulePack.Rules {
		if r.FixFunc == "" {
			continue
		}
		fn, ok := e.registry[r.FixFunc]
		if !ok {
			diags = append(diags, Diagnostic{
				Ts: time.Now(), File: ctx.InputFile, RuleId: r.RuleId, Severity: WARN,
				Message: "no function for rule", Refs: r.Refs,
			})
			continue
		}
		ds, err := fn(ctx, r)
		if err != nil {
			ds = append(ds, Diagnostic{
				Ts: time.Now(), File: ctx.InputFile, RuleId: r.RuleId, Severity: ERROR,
				Message: r.Message + " (" + err.Error() + ")", Refs: r.Refs,
			})
		}
		diags = append(diags, ds...)
	}
	e.diagnostics = diags
	return diags, nil
}

func (e *Engine) Diagnostics() []Diagnostic {
	return e.diagnostics
}

func (e *Engine) WriteDiagnosticsNDJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.WriteDiagnostics(f)
}

// WriteDiagnostics writes one JSON object per line.
func (e *Engine) WriteDiagnostics(out io.Writer) error {
	enc := json.NewEncoder(out)
	for _, d := range e.diagnostics {
		var line any = d
		if !e.includeTimestampFields {
			line = untimed{Diagnostic: d}
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

// untimed shadows the flight timestamp so it drops out of the encoding.
type untimed struct {
	Diagnostic
	TimestampUs *int64 `json:"timestamp_us,omitempty"`
}

func (e *Engine) SetConfigValue(key string, value any) {
	if e == nil {
		return
	}
	switch key {
	case "diag.include_timestamps":
		switch v := value.(type) {
		case bool:
			e.includeTimestampFields = v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				e.includeTimestampFields = b
			}
		default:
			if s, ok := value.(fmt.Stringer); ok {
				if b, err := strconv.ParseBool(s.String()); err == nil {
					e.includeTimestampFields = b
				}
			}
		}
	}
}

func (e *Engine) MakeAcceptance() AcceptanceReport {
	var rep AcceptanceReport
	var errs, warns int
	perRule := make(map[string][]Diagnostic)
	for _, d := range e.diagnostics {
		switch d.Severity {
		case ERROR:
			errs++
		case WARN:
			warns++
		}
		perRule[d.RuleId] = append(perRule[d.RuleId], d)
	}
	for _, r := range e.rulePack.Rules {
		row := GateResult{RuleId: r.RuleId, Name: r.Name, Stage: r.Stage, Severity: r.Severity, Pass: true}
		for _, d := range perRule[r.RuleId] {
			if d.Severity == ERROR || d.Severity == WARN {
				row.Findings++
			}
			if d.Severity == ERROR {
				row.Pass = false
			}
		}
		rep.GateMatrix = append(rep.GateMatrix, row)
	}
	rep.Summary.Total = len(e.diagnostics)
	rep.Summary.Errors = errs
	rep.Summary.Warnings = warns
	rep.Summary.Pass = errs == 0
	rep.Findings = e.diagnostics
	return rep
}

func LoadRulePack(path string) (RulePack, error) {
	var rp RulePack
	b, err := os.ReadFile(path)
	if err != nil {
		return rp, err
	}
	err = json.Unmarshal(b, &rp)
	return rp, err
}

//go:embed default_rulepack.json
var defaultRulePack []byte

// DefaultRulePack returns the built-in acceptance rules.
func DefaultRulePack() RulePack {
	var rp RulePack
	if err := json.Unmarshal(defaultRulePack, &rp); err != nil {
		panic(fmt.Sprintf("rules: parse default rule pack: %v", err))
	}
	return rp
}
