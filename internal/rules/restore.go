package rules

import (
	"errors"
	"fmt"
	"os"

	"example.com/bblog/internal/common"
)

// ErrNoFixEntry means the audit log holds no fix that produced the file.
var ErrNoFixEntry = errors.New("no audit entry for file")

// Restore rebuilds the original input of a repaired copy from the audit log.
// The latest entry whose output digest matches the file is used, and the
// rebuilt bytes must match the recorded input digest.
func Restore(fixedPath, auditPath string) ([]byte, common.FixEntry, error) {
	data, err := os.ReadFile(fixedPath)
	if err != nil {
		return nil, common.FixEntry{}, err
	}
	entries, err := common.ReadFixLog(auditPath)
	if err != nil {
		return nil, common.FixEntry{}, fmt.Errorf("read audit log: %w", err)
	}
	sum := common.Sha256OfBytes(data)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.OutputSha256 != sum {
			continue
		}
		if e.Offset != int64(len(data)) {
			return nil, e, fmt.Errorf("audit entry offset %d does not match file size %d", e.Offset, len(data))
		}
		removed, err := e.Removed()
		if err != nil {
			return nil, e, fmt.Errorf("decode removed bytes: %w", err)
		}
		restored := append(data, removed...)
		if got := common.Sha256OfBytes(restored); got != e.InputSha256 {
			return nil, e, fmt.Errorf("restored digest %s, want %s", got, e.InputSha256)
		}
		return restored, e, nil
	}
	return nil, common.FixEntry{}, fmt.Errorf("%w: %s", ErrNoFixEntry, fixedPath)
}
