// Package store remembers which posts have already been handled.
//
// Seen maps a post identity to the last time it was observed, in Unix
// seconds. Entries that have not been observed for longer than the retention
// window are expired at the start of every pass. Persistence is delegated to
// a Persister: a JSON file (the historical format) or a SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrCorrupt is returned by Load when the persisted state could not be
// decoded. The store is left empty and remains usable.
var ErrCorrupt = errors.New("seen store corrupt")

// Persister loads and saves the identity → last-seen map.
type Persister interface {
	Load(ctx context.Context) (map[string]int64, error)
	Save(ctx context.Context, seen map[string]int64) error
	Close() error
}

// Open returns the Persister for path, chosen by suffix: .db, .sqlite and
// .sqlite3 (or ":memory:") use SQLite, anything else the JSON file format.
func Open(path string) (Persister, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	}
	if path == ":memory:" {
		return OpenSQLite(path)
	}
	return NewJSONFile(path), nil
}

// Seen is the in-memory dedup store. Safe for concurrent use.
type Seen struct {
	p Persister

	mu      sync.Mutex
	entries map[string]int64
}

// NewSeen creates an empty store backed by p. p may be nil for a store that
// is never persisted.
func NewSeen(p Persister) *Seen {
	return &Seen{p: p, entries: make(map[string]int64)}
}

// IsNew reports whether id has not been observed inside the retention window.
func (s *Seen) IsNew(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return !ok
}

// Touch records id as observed at now.
func (s *Seen) Touch(id string, now time.Time) {
	s.mu.Lock()
	s.entries[id] = now.Unix()
	s.mu.Unlock()
}

// LastSeen returns when id was last observed.
func (s *Seen) LastSeen(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// Expire drops every entry older than maxAge at now and returns how many
// were removed. Ages are compared at full precision: an entry stored in whole
// seconds is gone as soon as now passes it by more than maxAge.
func (s *Seen) Expire(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ts := range s.entries {
		if now.Sub(time.Unix(ts, 0)) > maxAge {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of remembered identities.
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a copy of the identity → last-seen map.
func (s *Seen) Entries() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for id, ts := range s.entries {
		out[id] = time.Unix(ts, 0)
	}
	return out
}

// Load replaces the contents with the persisted state. A missing store is
// empty. If the persisted state is corrupt the store is emptied and the
// returned error wraps ErrCorrupt.
func (s *Seen) Load(ctx context.Context) error {
	if s.p == nil {
		return nil
	}
	entries, err := s.p.Load(ctx)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return fmt.Errorf("load seen store: %w", err)
	}
	if entries == nil {
		entries = make(map[string]int64)
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return err
}

// Save writes the current contents to the persister.
func (s *Seen) Save(ctx context.Context) error {
	if s.p == nil {
		return nil
	}
	s.mu.Lock()
	snapshot := make(map[string]int64, len(s.entries))
	for id, ts := range s.entries {
		snapshot[id] = ts
	}
	s.mu.Unlock()

	if err := s.p.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("save seen store: %w", err)
	}
	return nil
}

// Close releases the persister.
func (s *Seen) Close() error {
	if s.p == nil {
		return nil
	}
	return s.p.Close()
}
