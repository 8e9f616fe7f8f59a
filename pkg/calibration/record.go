package calibration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record is the persisted outcome of a calibration run.
type Record struct {
	SessionID string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	Transform *Transform `json:"transform"`
	Samples   []Sample   `json:"samples,omitempty"`
}

// Save writes the record as indented JSON, creating parent directories.
// The file is written to a temporary name first and renamed into place.
func (r *Record) Save(path string) error {
	if r.Transform == nil {
		return fmt.Errorf("calibration: record has no transform")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("calibration: encode record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("calibration: create record dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("calibration: write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("calibration: write record: %w", err)
	}
	return nil
}

// LoadRecord reads a record written by Save.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: read record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("calibration: parse record %s: %w", path, err)
	}
	if r.Transform == nil {
		return nil, fmt.Errorf("calibration: record %s has no transform", path)
	}
	if err := r.Transform.Model.Validate(); err != nil {
		return nil, fmt.Errorf("calibration: record %s: %w", path, err)
	}
	return &r, nil
}
