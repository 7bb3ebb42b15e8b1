package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"example.com/bblog/internal/common"
	"example.com/bblog/internal/server"
)

type logConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type decodeConfig struct {
	MinDuration time.Duration `yaml:"minDuration"`
	Checksum    string        `yaml:"checksum"`
	Raw         bool          `yaml:"raw"`
}

type manifestSigningConfig struct {
	PrivateKey  string `yaml:"privateKey"`
	Certificate string `yaml:"certificate"`
}

type config struct {
	Port            int                   `yaml:"port"`
	StorageDir      string                `yaml:"storageDir"`
	Concurrency     int                   `yaml:"concurrency"`
	MaxUploadMB     int                   `yaml:"maxUploadMB"`
	RulePack        string                `yaml:"rulePack"`
	Decode          decodeConfig          `yaml:"decode"`
	ManifestSigning manifestSigningConfig `yaml:"manifestSigning"`
	Logs            logConfig             `yaml:"logs"`
}

// loadConfig reads the daemon configuration. Relative paths resolve against
// the config file's directory when the file exists there.
func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		candidate := filepath.Clean(filepath.Join(baseDir, p))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return filepath.Clean(p)
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(".", "data")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = server.DefaultMaxUploadMB
	}
	if cfg.Decode.MinDuration < 0 {
		return cfg, fmt.Errorf("decode.minDuration must not be negative")
	}
	cfg.RulePack = resolvePath(cfg.RulePack)
	cfg.ManifestSigning.PrivateKey = resolvePath(cfg.ManifestSigning.PrivateKey)
	cfg.ManifestSigning.Certificate = resolvePath(cfg.ManifestSigning.Certificate)
	if (cfg.ManifestSigning.PrivateKey == "") != (cfg.ManifestSigning.Certificate == "") {
		return cfg, fmt.Errorf("manifestSigning needs both privateKey and certificate")
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.StorageDir, "logs")
	}
	return cfg, nil
}

func (c config) logConfig() common.LogConfig {
	return common.LogConfig{
		Level:      c.Logs.Level,
		Format:     c.Logs.Format,
		File:       filepath.Join(c.Logs.Directory, "bbld.log"),
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxAgeDays: c.Logs.MaxAgeDays,
		MaxBackups: c.Logs.MaxBackups,
		Compress:   c.Logs.Compress,
	}
}

func (c config) serverOptions() server.Options {
	return server.Options{
		StorageDir:  c.StorageDir,
		Concurrency: c.Concurrency,
		MaxUploadMB: c.MaxUploadMB,
		RulePack:    c.RulePack,
		Decode: server.DecodeOptions{
			MinDuration: c.Decode.MinDuration,
			Checksum:    c.Decode.Checksum,
			Raw:         c.Decode.Raw,
		},
		ManifestSigning: server.ManifestSigningOptions{
			PrivateKeyPath:  c.ManifestSigning.PrivateKey,
			CertificatePath: c.ManifestSigning.Certificate,
		},
	}
}
