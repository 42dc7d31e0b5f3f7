package gallery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// File is the on-disk gallery format produced by the enrollment tooling.
type File struct {
	Model   string  `json:"model,omitempty"`
	Entries []Entry `json:"entries"`
}

// LoadFile reads a gallery file. A missing, unreadable or empty file is an error;
// there is no degraded empty-gallery mode.
func LoadFile(path string) ([]Entry, error) {
	if path == "" {
		return nil, errors.New("gallery path is not set")
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read gallery file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse gallery file %s: %w", path, err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("gallery file %s has no entries", path)
	}
	return f.Entries, nil
}

// SaveFile writes entries in the gallery file format.
func SaveFile(path string, entries []Entry) error {
	data, err := json.Marshal(File{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to marshal gallery: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write gallery file: %w", err)
	}
	return nil
}
