// Package manifest lists input logs and derived artifacts with their
// digests, optionally signed with a detached JWS.
package manifest

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"example.com/bblog/internal/common"
)

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

type Manifest struct {
	CreatedAt time.Time  `json:"createdAt"`
	ShaAlgo   string     `json:"shaAlgo"`
	Items     []Item     `json:"items"`
	Signature *Signature `json:"signature,omitempty"`
}

type Signature struct {
	Type          string `json:"type"`
	CertSubject   string `json:"certSubject,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	SignatureFile string `json:"signatureFile,omitempty"`
}

func Build(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256"}
	for _, p := range paths {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, err
		}
		m.Items = append(m.Items, Item{Path: p, Size: sz, Sha256: hex, Type: ItemType(p)})
	}
	return m, nil
}

// ItemType classifies a path by extension. Compressed logs count as logs.
func ItemType(path string) string {
	p := strings.ToLower(path)
	for _, ext := range []string{".zst", ".gz", ".lz4"} {
		p = strings.TrimSuffix(p, ext)
	}
	switch {
	case hasExt(p, ".bbl", ".bfl", ".bbs", ".txt"):
		return "bbl"
	case hasExt(p, ".csv"):
		return "csv"
	case hasExt(p, ".ndjson", ".jsonl"):
		return "ndjson"
	case hasExt(p, ".json"):
		return "json"
	case hasExt(p, ".pdf"):
		return "pdf"
	}
	return "other"
}

func hasExt(path string, exts ...string) bool {
	for _, e := range exts {
		if strings.HasSuffix(path, e) {
			return true
		}
	}
	return false
}

func Save(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func Load(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}
