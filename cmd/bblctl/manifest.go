package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"example.com/bblog/internal/manifest"
)

func (a *app) manifestCmd() *cobra.Command {
	var (
		inputs   []string
		out      string
		sign     bool
		keyPath  string
		certPath string
		jwsOut   string
	)
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Write a SHA-256 manifest of logs and their outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var paths []string
			for _, p := range append(inputs, args...) {
				if p = strings.TrimSpace(p); p != "" {
					paths = append(paths, p)
				}
			}
			if len(paths) == 0 {
				return fmt.Errorf("no input paths specified")
			}
			m, err := manifest.Build(paths)
			if err != nil {
				return fmt.Errorf("manifest build: %w", err)
			}
			if !sign {
				if err := manifest.Save(m, out); err != nil {
					return fmt.Errorf("manifest save: %w", err)
				}
				fmt.Fprintln(a.out, "Wrote", out)
				return nil
			}
			if keyPath == "" || certPath == "" {
				return fmt.Errorf("--sign requires --key and --cert")
			}
			keyBytes, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			certBytes, err := os.ReadFile(certPath)
			if err != nil {
				return fmt.Errorf("read cert: %w", err)
			}
			sigPath := jwsOut
			if sigPath == "" {
				sigPath = strings.TrimSuffix(out, filepath.Ext(out)) + ".jws"
			}
			payload, jws, err := manifest.Sign(&m, keyBytes, certBytes, sigPath)
			if err != nil {
				return fmt.Errorf("manifest sign: %w", err)
			}
			jwsBytes, err := json.MarshalIndent(jws, "", "  ")
			if err != nil {
				return fmt.Errorf("jws marshal: %w", err)
			}
			if err := os.WriteFile(sigPath, jwsBytes, 0o644); err != nil {
				return fmt.Errorf("write jws: %w", err)
			}
			if err := os.WriteFile(out, payload, 0o644); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
			fmt.Fprintln(a.out, "Wrote", out)
			fmt.Fprintln(a.out, "Wrote signature", sigPath)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&inputs, "inputs", nil, "comma-separated paths (positional arguments are added)")
	f.StringVar(&out, "out", "manifest.json", "output json")
	f.BoolVar(&sign, "sign", false, "sign manifest (detached JWS over JSON)")
	f.StringVar(&keyPath, "key", "", "PEM private key for signing (requires --sign)")
	f.StringVar(&certPath, "cert", "", "PEM certificate describing signer (requires --sign)")
	f.StringVar(&jwsOut, "jws-out", "", "output JWS file (defaults to manifest path with .jws)")
	return cmd
}

func (a *app) verifySignatureCmd() *cobra.Command {
	var manifestPath, jwsPath, certPath string
	cmd := &cobra.Command{
		Use:   "verify-signature",
		Short: "Check a manifest against its detached JWS",
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" || jwsPath == "" || certPath == "" {
				return fmt.Errorf("required: --manifest, --jws, --cert")
			}
			manifestBytes, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			jwsBytes, err := os.ReadFile(jwsPath)
			if err != nil {
				return fmt.Errorf("read jws: %w", err)
			}
			certBytes, err := os.ReadFile(certPath)
			if err != nil {
				return fmt.Errorf("read cert: %w", err)
			}
			var jws manifest.JWS
			if err := json.Unmarshal(jwsBytes, &jws); err != nil {
				return fmt.Errorf("parse jws: %w", err)
			}
			if err := manifest.VerifyDetachedJWS(manifestBytes, jws, certBytes); err != nil {
				return fmt.Errorf("verify signature: %w", err)
			}
			fmt.Fprintln(a.out, "Signature OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest JSON file")
	cmd.Flags().StringVar(&jwsPath, "jws", "", "manifest JWS signature file")
	cmd.Flags().StringVar(&certPath, "cert", "", "signer certificate (PEM)")
	return cmd
}
