// Package otel provides structured observability for the discovery loop.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously via a buffered channel and background drain goroutine.
// An optional console logger mirrors events for the operator.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an observability event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Fetch events
	KindFetchStart    EventKind = "fetch.start"
	KindFetchComplete EventKind = "fetch.complete"
	KindFetchError    EventKind = "fetch.error"

	// Per-item events (debug, or trace when TAGHELPER_TRACE is set)
	KindItemKnown   EventKind = "item.known"
	KindItemIgnored EventKind = "item.ignored"

	// Promote events
	KindPromoteNew        EventKind = "promote.new"
	KindPromoteTransient  EventKind = "promote.transient"
	KindPromoteUnresolved EventKind = "promote.unresolved"
	KindPromoteError      EventKind = "promote.error"
	KindBackoff           EventKind = "promote.backoff"

	// Announce events
	KindAnnounce      EventKind = "announce.sent"
	KindAnnounceError EventKind = "announce.error"

	// Loop events
	KindLoopStart   EventKind = "loop.start"
	KindLoopSummary EventKind = "loop.summary"
	KindSeenExpire  EventKind = "seen.expire"
	KindSeenSave    EventKind = "seen.save"
	KindConfigError EventKind = "config.error"
	KindConfigWarn  EventKind = "config.warn"

	// Store events
	KindStoreError EventKind = "store.error"

	// System events
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is the universal observability record. Every field except Kind and
// Time is optional. Serialized as a single JSONL line.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // component: "coord", "fetch", "store", "main"
	SessionID string         `json:"session_id,omitempty"` // random hex, same for entire run
	Iteration int            `json:"iter,omitempty"`       // pass number, 1-based
	Dur       time.Duration  `json:"-"`                    // not serialized directly
	DurMs     float64        `json:"dur_ms,omitempty"`     // computed from Dur at marshal time
	Count     int            `json:"count,omitempty"`
	Source    string         `json:"source,omitempty"` // work item, "origin:key"
	Identity  string         `json:"identity,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`   // free text
	Extra     map[string]any `json:"extra,omitempty"` // escape hatch for unusual fields
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
