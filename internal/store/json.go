package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// JSONFile persists the seen map as a single JSON object of
// identity → Unix seconds.
type JSONFile struct {
	path string
}

// NewJSONFile creates a JSON persister for path. The file need not exist.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Load reads the file. A missing file is an empty store. A file that cannot
// be decoded is copied to <path>.broken for inspection and treated as empty.
func (f *JSONFile) Load(ctx context.Context) (map[string]int64, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	// Older writers stored fractional seconds.
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		_ = os.WriteFile(f.path+".broken", data, 0644)
		return map[string]int64{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}

	seen := make(map[string]int64, len(raw))
	for id, ts := range raw {
		seen[id] = int64(math.Floor(ts))
	}
	return seen, nil
}

// Save writes the map atomically through a temporary file in the same
// directory.
func (f *JSONFile) Save(ctx context.Context, seen map[string]int64) error {
	data, err := json.Marshal(seen)
	if err != nil {
		return fmt.Errorf("marshal seen: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp seen file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp seen file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (f *JSONFile) Close() error { return nil }
