package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/common"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app carries the per-invocation configuration shared by all subcommands.
type app struct {
	v      *viper.Viper
	out    io.Writer
	closer io.Closer
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), out: os.Stdout}
	var configFile string

	root := &cobra.Command{
		Use:           "bblctl",
		Short:         "Decode, validate and report on blackbox flight logs",
		Version:       fmt.Sprintf("%s (built %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.init(configFile)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closer != nil {
				return a.closer.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "configuration file (yaml, json or toml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.String("log-file", "", "also write logs to this rotating file")
	pf.Int("concurrency", runtime.NumCPU(), "sections decoded in parallel")
	pf.Duration("min-duration", 0, "drop flights shorter than this")
	pf.String("checksum", "", "frame checksum to verify (xor8, crc8)")
	pf.Bool("raw", false, "disable predictors and output raw stored values")
	pf.String("lang", "en", "report language (en, tr)")

	for key, flag := range map[string]string{
		"log.level":           "log-level",
		"log.format":          "log-format",
		"log.file":            "log-file",
		"decode.concurrency":  "concurrency",
		"decode.min_duration": "min-duration",
		"decode.checksum":     "checksum",
		"decode.raw":          "raw",
		"report.lang":         "lang",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		a.decodeCmd(),
		a.exportCmd(),
		a.infoCmd(),
		a.validateCmd(),
		a.restoreCmd(),
		a.reportCmd(),
		a.manifestCmd(),
		a.verifySignatureCmd(),
		a.batchCmd(),
	)
	return root
}

// init reads the optional config file and the BBLOG_ environment, then
// configures logging.
func (a *app) init(configFile string) error {
	if configFile != "" {
		a.v.SetConfigFile(configFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	a.v.SetEnvPrefix("BBLOG")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	closer, err := common.SetupLogging(common.LogConfig{
		Level:  a.v.GetString("log.level"),
		Format: a.v.GetString("log.format"),
		File:   a.v.GetString("log.file"),
	})
	if err != nil {
		return err
	}
	a.closer = closer
	return nil
}

func (a *app) decodeOptions(m *common.Metrics) []bbl.Option {
	opts := []bbl.Option{
		bbl.WithConcurrency(a.v.GetInt("decode.concurrency")),
		bbl.WithMinDuration(a.v.GetDuration("decode.min_duration")),
		bbl.WithRaw(a.v.GetBool("decode.raw")),
	}
	if c := strings.TrimSpace(a.v.GetString("decode.checksum")); c != "" {
		opts = append(opts, bbl.WithChecksum(c))
	}
	if m != nil {
		opts = append(opts, bbl.WithMetrics(m))
	}
	return opts
}

// startMetrics starts decode counters, printing a progress line on stderr
// when asked to.
func startMetrics(showProgress bool, total int64) (*common.Metrics, func()) {
	m := common.NewMetrics()
	m.SetTotalBytes(total)
	m.Start()
	stopPrinter := func() {}
	if showProgress {
		stopPrinter = common.StartProgressPrinter(os.Stderr, m, 500*time.Millisecond)
	}
	return m, func() {
		stopPrinter()
		m.Stop()
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
