package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bblog/internal/server"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "storageDir: /var/lib/bbld\n"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, runtime.NumCPU(), cfg.Concurrency)
	assert.Equal(t, server.DefaultMaxUploadMB, cfg.MaxUploadMB)
	assert.Equal(t, "/var/lib/bbld/logs", cfg.Logs.Directory)
	assert.Equal(t, "/var/lib/bbld/logs/bbld.log", cfg.logConfig().File)
}

func TestLoadConfigResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `port: 9090
concurrency: 2
rulePack: rules.json
decode:
  minDuration: 2s
  checksum: xor8
manifestSigning:
  privateKey: keys/signer.key
  certificate: keys/signer.pem
logs:
  level: debug
  format: json
`)
	dir := filepath.Dir(path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.json"), []byte("{}"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rules.json"), cfg.RulePack)
	// missing files stay relative to the working directory
	assert.Equal(t, filepath.Join("keys", "signer.key"), cfg.ManifestSigning.PrivateKey)

	opts := cfg.serverOptions()
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2, opts.Concurrency)
	assert.Equal(t, 2*time.Second, opts.Decode.MinDuration)
	assert.Equal(t, "xor8", opts.Decode.Checksum)
	assert.Equal(t, "debug", cfg.logConfig().Level)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "bogus: 1\n",
		"bad port":     "port: 70000\n",
		"half signing": "manifestSigning:\n  privateKey: a.key\n",
		"negative":     "decode:\n  minDuration: -1s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
