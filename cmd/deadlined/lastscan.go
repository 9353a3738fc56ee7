package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// lastScan is the most recent scan result, kept so feedback can refer to a
// deadline by its row number.
type lastScan struct {
	RunID     string              `json:"run_id"`
	ScannedAt time.Time           `json:"scanned_at"`
	Deadlines []deadline.Deadline `json:"deadlines"`
}

func saveLastScan(path string, ls lastScan) error {
	data, err := json.MarshalIndent(ls, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode last scan: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".last_scan-*")
	if err != nil {
		return fmt.Errorf("failed to save last scan: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save last scan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save last scan: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func loadLastScan(path string) (lastScan, error) {
	var ls lastScan
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ls, errors.New("no previous scan; run 'deadlined scan' first")
	}
	if err != nil {
		return ls, fmt.Errorf("failed to read last scan: %w", err)
	}
	if err := json.Unmarshal(data, &ls); err != nil {
		return ls, fmt.Errorf("failed to decode last scan %s: %w", path, err)
	}
	return ls, nil
}

// row returns the deadline shown at 1-based row n.
func (ls lastScan) row(n int) (deadline.Deadline, error) {
	if n < 1 || n > len(ls.Deadlines) {
		return deadline.Deadline{}, fmt.Errorf("row %d out of range: last scan has %d deadlines", n, len(ls.Deadlines))
	}
	return ls.Deadlines[n-1], nil
}
