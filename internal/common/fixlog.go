package common

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FixEntry records one repaired copy written by an automatic fix. The bytes
// the fix removed are kept so the original can be rebuilt.
type FixEntry struct {
	RuleID       string    `json:"ruleId"`
	Input        string    `json:"input"`
	Output       string    `json:"output"`
	InputSha256  string    `json:"inputSha256"`
	OutputSha256 string    `json:"outputSha256"`
	Offset       int64     `json:"offset"`
	RemovedHex   string    `json:"removedHex,omitempty"`
	Ts           time.Time `json:"ts"`
}

// Removed decodes the bytes cut from the input at Offset.
func (e FixEntry) Removed() ([]byte, error) {
	if strings.TrimSpace(e.RemovedHex) == "" {
		return nil, nil
	}
	return hex.DecodeString(e.RemovedHex)
}

// FixLog provides append-only access to an NDJSON audit log.
type FixLog struct {
	path string
	mu   sync.Mutex
}

func NewFixLog(path string) *FixLog {
	return &FixLog{path: path}
}

func (l *FixLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes one entry as a single JSON line and syncs the file.
func (l *FixLog) Append(entry FixEntry) error {
	if l == nil {
		return errors.New("nil fix log")
	}
	if entry.RuleID == "" {
		return errors.New("fix entry missing ruleId")
	}
	if entry.Ts.IsZero() {
		entry.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadFixLog loads every entry of an audit log in order.
func ReadFixLog(path string) ([]FixEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []FixEntry
	dec := json.NewDecoder(f)
	for {
		var e FixEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}
