package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"example.com/bblog/internal/common"
	"example.com/bblog/internal/export"
	"example.com/bblog/internal/manifest"
)

// findLogs lists blackbox logs below dir, compressed ones included.
func findLogs(dir string) ([]string, error) {
	var logs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || manifest.ItemType(path) != "bbl" {
			return nil
		}
		logs = append(logs, path)
		return nil
	})
	sort.Strings(logs)
	return logs, err
}

func batchName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	for _, ext := range []string{".zst", ".gz", ".lz4"} {
		rel = strings.TrimSuffix(rel, ext)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(rel, string(filepath.Separator), "_")
}

func (a *app) batchCmd() *cobra.Command {
	var (
		inDir        string
		outDir       string
		rulesPath    string
		formats      []string
		physical     bool
		showProgress bool
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Validate and export every log in a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fmts []export.Format
			for _, s := range formats {
				f, err := export.ParseFormat(s)
				if err != nil {
					return err
				}
				fmts = append(fmts, f)
			}
			logs, err := findLogs(inDir)
			if err != nil {
				return fmt.Errorf("scan %s: %w", inDir, err)
			}
			if len(logs) == 0 {
				return fmt.Errorf("no logs found in %s", inDir)
			}
			var total int64
			for _, p := range logs {
				total += fileSize(p)
			}
			metrics, stop := startMetrics(showProgress, total)

			var errs error
			passed := 0
			for _, path := range logs {
				dir := filepath.Join(outDir, batchName(inDir, path))
				if err := os.MkdirAll(dir, 0o755); err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				res, err := a.validate(path, validateFlags{
					rulesPath:  rulesPath,
					outDiag:    filepath.Join(dir, "diagnostics.ndjson"),
					outAcc:     filepath.Join(dir, "acceptance.json"),
					timestamps: true,
				}, metrics)
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				if res.rep.Summary.Pass {
					passed++
				}
				common.WithFields(logrus.Fields{
					"input":    path,
					"pass":     res.rep.Summary.Pass,
					"errors":   res.rep.Summary.Errors,
					"warnings": res.rep.Summary.Warnings,
				}).Info("validated")
				if res.ctx.Log == nil {
					continue
				}
				for _, f := range fmts {
					if _, err := exportFlights(res.ctx.Log, path, dir, f, export.Options{Physical: physical}); err != nil {
						errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
					}
				}
			}
			stop()

			failed := len(multierr.Errors(errs))
			fmt.Fprintf(a.out, "Processed %d log(s): %d passed, %d failed to process\n", len(logs), passed, failed)
			snap := metrics.Snapshot()
			fmt.Fprintf(a.out, "Frames=%d corrupt=%d resyncs=%d processed=%s in %s\n",
				snap.Frames, snap.Corrupt, snap.Resyncs, common.FormatBytes(snap.Bytes), snap.Duration.Round(10*time.Millisecond))
			return errs
		},
	}
	f := cmd.Flags()
	f.StringVar(&inDir, "in", ".", "input directory")
	f.StringVar(&outDir, "out-dir", "out", "results directory")
	f.StringVar(&rulesPath, "rules", "", "rule pack JSON (built-in pack when empty)")
	f.StringSliceVar(&formats, "export", nil, "also export flights (csv, ndjson, json)")
	f.BoolVar(&physical, "physical", false, "convert exported values to physical units")
	f.BoolVar(&showProgress, "progress", false, "display progress updates")
	return cmd
}
