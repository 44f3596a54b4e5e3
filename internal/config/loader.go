package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader rebuilds a Snapshot from defaults plus its override files.
type Loader struct {
	paths []string
}

// NewLoader creates a Loader over the given override files, applied in order.
func NewLoader(paths ...string) *Loader {
	cp := make([]string, len(paths))
	copy(cp, paths)
	return &Loader{paths: cp}
}

// Paths returns the override files this loader reads.
func (l *Loader) Paths() []string {
	cp := make([]string, len(l.paths))
	copy(cp, l.paths)
	return cp
}

// Load reads every override file and returns a fresh Snapshot. A missing or
// malformed file is an error: the caller decides whether to keep running on
// a previous snapshot.
func (l *Loader) Load() (Snapshot, error) {
	merged := make(map[string]any)
	for _, path := range l.paths {
		layer, err := readLayer(path)
		if err != nil {
			return Snapshot{}, err
		}
		for k, v := range layer {
			merged[k] = v
		}
	}

	snap := Defaults()
	if len(merged) > 0 {
		// Round-trip through JSON so YAML and JSON layers decode identically
		// onto the typed snapshot.
		data, err := json.Marshal(merged)
		if err != nil {
			return Snapshot{}, fmt.Errorf("merge config layers: %w", err)
		}
		// A key present in a layer replaces the default value wholesale.
		for k := range merged {
			clearField(&snap, k)
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("decode config: %w", err)
		}
	}

	snap.populateFromEnv()
	if err := snap.normalize(); err != nil {
		return Snapshot{}, err
	}

	switch {
	case snap.Workdir != "":
		snap.BaseDir = snap.Workdir
	case len(l.paths) > 0:
		snap.BaseDir = filepath.Dir(l.paths[0])
	default:
		snap.BaseDir = stateDir()
	}
	return snap, nil
}

// readLayer decodes one override file by extension. Anything that is not
// .yaml/.yml is read as JSON.
func readLayer(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	layer := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if layer == nil {
		return nil, errors.New("config " + path + " is empty")
	}
	return layer, nil
}

// clearField resets map-valued defaults so a layer's value replaces them
// instead of being merged into them by encoding/json.
func clearField(s *Snapshot, key string) {
	if key == "source_urls" {
		s.SourceURLs = nil
	}
}
