package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/common"
	"example.com/bblog/internal/export"
	"example.com/bblog/internal/report"
)

func (a *app) decodeFile(path string, showProgress bool) (*bbl.Log, error) {
	var m *common.Metrics
	stop := func() {}
	if showProgress {
		m, stop = startMetrics(true, fileSize(path))
	}
	log, err := bbl.DecodeFile(path, a.decodeOptions(m)...)
	stop()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	common.WithFields(logrus.Fields{"input": path, "flights": len(log.Flights), "dropped": log.Dropped}).Debug("decoded")
	return log, nil
}

func (a *app) decodeCmd() *cobra.Command {
	var (
		rows         bool
		physical     bool
		showProgress bool
	)
	cmd := &cobra.Command{
		Use:   "decode <log>",
		Short: "Decode a log and print a JSON summary, or every row as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := a.decodeFile(args[0], showProgress)
			if err != nil {
				return err
			}
			if rows {
				for _, f := range log.Flights {
					if err := export.WriteNDJSON(a.out, f, export.Options{Physical: physical}); err != nil {
						return err
					}
				}
				return nil
			}
			summary := struct {
				Input   string                 `json:"input"`
				Flights []report.FlightSummary `json:"flights"`
				Dropped int                    `json:"dropped"`
			}{Input: args[0], Flights: report.SummarizeFlights(log), Dropped: log.Dropped}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().BoolVar(&rows, "rows", false, "print main-frame rows as NDJSON")
	cmd.Flags().BoolVar(&physical, "physical", false, "convert values to physical units")
	cmd.Flags().BoolVar(&showProgress, "progress", false, "display decode progress")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var (
		format   string
		outDir   string
		physical bool
	)
	cmd := &cobra.Command{
		Use:   "export <log>",
		Short: "Write one CSV, NDJSON or JSON file per flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			log, err := a.decodeFile(args[0], false)
			if err != nil {
				return err
			}
			paths, err := exportFlights(log, args[0], outDir, f, export.Options{Physical: physical})
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(a.out, "Wrote", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "output format (csv, ndjson, json)")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "output directory")
	cmd.Flags().BoolVar(&physical, "physical", false, "convert values to physical units")
	return cmd
}

func exportFlights(log *bbl.Log, input, outDir string, format export.Format, opts export.Options) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	for _, f := range log.Flights {
		path := filepath.Join(outDir, export.FileName(input, f.Index, format))
		out, err := os.Create(path)
		if err != nil {
			return paths, err
		}
		if err := export.Write(out, f, format, opts); err != nil {
			out.Close()
			return paths, fmt.Errorf("export flight %d: %w", f.Index, err)
		}
		if err := out.Close(); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <log>",
		Short: "Print a table of the flights in a log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := a.decodeFile(args[0], false)
			if err != nil {
				return err
			}
			if len(log.Flights) > 0 && log.Flights[0].Meta != nil {
				meta := log.Flights[0].Meta
				fmt.Fprintf(a.out, "Firmware: %s %s\n", meta.FirmwareType, meta.FirmwareRevision)
				fmt.Fprintf(a.out, "Data version: %d, checksum: %s\n", meta.DataVersion, meta.Checksum)
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FLIGHT\tCRAFT\tDURATION\tFRAMES\tCORRUPT\tRESYNCS\tEND")
			for _, s := range report.SummarizeFlights(log) {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n", s.Index, s.Craft, s.Duration, s.Frames, s.Corrupt, s.Resyncs, endLabel(s))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if log.Dropped > 0 {
				fmt.Fprintf(a.out, "%d flight(s) dropped\n", log.Dropped)
			}
			return nil
		},
	}
}

func endLabel(s report.FlightSummary) string {
	switch {
	case s.Ended:
		return "clean"
	case s.Truncated:
		return "truncated"
	default:
		return "open"
	}
}
