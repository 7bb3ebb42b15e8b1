package server

import (
	"fmt"
	"strings"
	"time"

	"example.com/bblog/internal/bbl"
	"example.com/bblog/internal/rules"
)

// DefaultMaxUploadMB bounds request bodies when Options leaves it unset.
const DefaultMaxUploadMB = 512

// ManifestSigningOptions configures detached JWS manifest signing.
type ManifestSigningOptions struct {
	PrivateKeyPath  string
	CertificatePath string
}

func (o ManifestSigningOptions) enabled() bool {
	return strings.TrimSpace(o.PrivateKeyPath) != "" && strings.TrimSpace(o.CertificatePath) != ""
}

// DecodeOptions are applied to every decode the daemon runs.
type DecodeOptions struct {
	MinDuration time.Duration
	Checksum    string
	Raw         bool
}

// Options configures server creation.
type Options struct {
	StorageDir  string
	Concurrency int
	MaxUploadMB int
	Decode      DecodeOptions
	// RulePack is a rule pack file; empty selects the built-in pack.
	RulePack        string
	ManifestSigning ManifestSigningOptions
}

func (o Options) uploadLimit() int64 {
	mb := o.MaxUploadMB
	if mb <= 0 {
		mb = DefaultMaxUploadMB
	}
	return int64(mb) << 20
}

func (o Options) decodeOptions() []bbl.Option {
	opts := []bbl.Option{
		bbl.WithConcurrency(o.Concurrency),
		bbl.WithMinDuration(o.Decode.MinDuration),
		bbl.WithRaw(o.Decode.Raw),
	}
	if c := strings.TrimSpace(o.Decode.Checksum); c != "" {
		opts = append(opts, bbl.WithChecksum(c))
	}
	return opts
}

func loadRulePack(path string) (rules.RulePack, error) {
	if strings.TrimSpace(path) == "" {
		return rules.DefaultRulePack(), nil
	}
	rp, err := rules.LoadRulePack(path)
	if err != nil {
		return rp, fmt.Errorf("load rule pack %s: %w", path, err)
	}
	if len(rp.Rules) == 0 {
		return rp, fmt.Errorf("rule pack %s has no rules", path)
	}
	return rp, nil
}
