package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"example.com/bblog/internal/common"
	"example.com/bblog/internal/report"
	"example.com/bblog/internal/rules"
)

type validateFlags struct {
	rulesPath    string
	outDiag      string
	outAcc       string
	applyFixes   bool
	fixDir       string
	audit        string
	timestamps   bool
	metrics      bool
	showProgress bool
}

type validation struct {
	ctx   *rules.Context
	diags []rules.Diagnostic
	rep   rules.AcceptanceReport
}

func loadRules(path string) (rules.RulePack, error) {
	if path == "" {
		return rules.DefaultRulePack(), nil
	}
	rp, err := rules.LoadRulePack(path)
	if err != nil {
		return rp, fmt.Errorf("load rule pack: %w", err)
	}
	if len(rp.Rules) == 0 {
		return rp, fmt.Errorf("rule pack %s has no rules", path)
	}
	return rp, nil
}

// validate runs the rule pack over one log and writes the diagnostics and
// acceptance files.
func (a *app) validate(input string, fl validateFlags, m *common.Metrics) (validation, error) {
	rp, err := loadRules(fl.rulesPath)
	if err != nil {
		return validation{}, err
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	engine.SetConfigValue("diag.include_timestamps", fl.timestamps)

	ctx := &rules.Context{
		InputFile:  input,
		Options:    a.decodeOptions(m),
		ApplyFixes: fl.applyFixes,
		OutputDir:  fl.fixDir,
	}
	if fl.applyFixes {
		audit := fl.audit
		if audit == "" {
			dir := fl.fixDir
			if dir == "" {
				dir = filepath.Dir(input)
			}
			audit = filepath.Join(dir, "fixes_audit.ndjson")
		}
		ctx.AuditLog = common.NewFixLog(audit)
	}
	diags, err := engine.Eval(ctx)
	if err != nil {
		return validation{}, fmt.Errorf("eval: %w", err)
	}
	if err := engine.WriteDiagnosticsNDJSON(fl.outDiag); err != nil {
		return validation{}, fmt.Errorf("write diags: %w", err)
	}
	rep := engine.MakeAcceptance()
	if err := report.SaveAcceptanceJSON(rep, fl.outAcc); err != nil {
		return validation{}, fmt.Errorf("write report: %w", err)
	}
	return validation{ctx: ctx, diags: diags, rep: rep}, nil
}

func (a *app) validateCmd() *cobra.Command {
	fl := validateFlags{}
	cmd := &cobra.Command{
		Use:   "validate <log>",
		Short: "Run the acceptance rules over a log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var metrics *common.Metrics
			stop := func() {}
			if fl.metrics || fl.showProgress {
				metrics, stop = startMetrics(fl.showProgress, fileSize(args[0]))
			}
			res, err := a.validate(args[0], fl, metrics)
			stop()
			if err != nil {
				return err
			}
			rep := res.rep
			fmt.Fprintf(a.out, "PASS=%v, errors=%d, warnings=%d, diagnostics=%d\n", rep.Summary.Pass, rep.Summary.Errors, rep.Summary.Warnings, len(res.diags))
			for _, d := range res.diags {
				if d.FixApplied {
					fmt.Fprintln(a.out, "Fixed copy:", d.FixOutput)
				}
			}
			if res.ctx.AuditLog != nil {
				fmt.Fprintln(a.out, "Audit log:", res.ctx.AuditLog.Path())
			}
			if metrics != nil && fl.metrics {
				snap := metrics.Snapshot()
				mbPerSec := snap.ThroughputBytesPerSecond() / 1_000_000
				fmt.Fprintf(a.out, "Metrics: duration=%s frames=%d corrupt=%d resyncs=%d processed=%s throughput=%.2f MB/s\n",
					snap.Duration.Round(10*time.Millisecond),
					snap.Frames,
					snap.Corrupt,
					snap.Resyncs,
					common.FormatBytes(snap.Bytes),
					mbPerSec,
				)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.rulesPath, "rules", "", "rule pack JSON (built-in pack when empty)")
	f.StringVar(&fl.outDiag, "out", "diagnostics.ndjson", "diagnostics output")
	f.StringVar(&fl.outAcc, "acceptance", "acceptance_report.json", "acceptance json")
	f.BoolVar(&fl.applyFixes, "apply-fixes", false, "write repaired copies for fixable findings")
	f.StringVar(&fl.fixDir, "fix-dir", "", "directory for repaired copies (input directory when empty)")
	f.StringVar(&fl.audit, "audit", "", "fix audit log (fixes_audit.ndjson next to the repaired copies when empty)")
	f.BoolVar(&fl.timestamps, "diag-include-timestamps", true, "include timestamp metadata in diagnostics output")
	f.BoolVar(&fl.metrics, "metrics", false, "print decode throughput metrics")
	f.BoolVar(&fl.showProgress, "progress", false, "display decode progress")
	return cmd
}

func (a *app) reportCmd() *cobra.Command {
	var (
		accPath string
		input   string
		pdfPath string
		docPath string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render an acceptance report as PDF",
		RunE: func(cmd *cobra.Command, args []string) error {
			if accPath == "" {
				return fmt.Errorf("required: --acceptance")
			}
			lang, err := report.ParseLanguage(a.v.GetString("report.lang"))
			if err != nil {
				return err
			}
			rep, err := report.LoadAcceptanceJSON(accPath)
			if err != nil {
				return fmt.Errorf("load acceptance: %w", err)
			}
			doc := report.Document{Generated: time.Now(), Acceptance: rep}
			if input != "" {
				sum, _, err := common.Sha256OfFile(input)
				if err != nil {
					return err
				}
				doc.Input = filepath.Base(input)
				doc.InputSha256 = sum
				log, err := a.decodeFile(input, false)
				if err != nil {
					common.Warnf("flight table omitted: %v", err)
				} else {
					doc.Flights = report.SummarizeFlights(log)
				}
			}
			if err := report.SavePDF(doc, lang, pdfPath); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}
			fmt.Fprintln(a.out, "Wrote PDF:", pdfPath)
			if docPath != "" {
				if err := report.SaveDocumentJSON(doc, docPath); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "Wrote", docPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accPath, "acceptance", "", "acceptance_report.json")
	cmd.Flags().StringVar(&input, "input", "", "log the report covers (adds its digest and flight table)")
	cmd.Flags().StringVar(&pdfPath, "pdf", "acceptance_report.pdf", "output PDF")
	cmd.Flags().StringVar(&docPath, "json", "", "also write the report document as JSON")
	return cmd
}

func (a *app) restoreCmd() *cobra.Command {
	var in, audit, out string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Rebuild the original log from a repaired copy and its audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" || audit == "" || out == "" {
				return fmt.Errorf("required: --in, --audit, --out")
			}
			data, entry, err := rules.Restore(in, audit)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write restored: %w", err)
			}
			fmt.Fprintf(a.out, "Restored %s (%s, %d bytes) to %s\n", entry.Input, entry.RuleID, len(data), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "repaired log")
	cmd.Flags().StringVar(&audit, "audit", "", "fix audit log")
	cmd.Flags().StringVar(&out, "out", "", "restored log")
	return cmd
}
