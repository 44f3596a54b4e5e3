// Package config builds the settings snapshot the discovery loop runs on.
//
// A Snapshot is the union of compiled-in defaults and any number of override
// files, applied in order with later files winning per top-level key. The
// loop asks its Loader for a fresh Snapshot at the start of every iteration,
// so edits to the override files take effect without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Version is reported in the User-Agent and by `taghelper version`.
const Version = "0.1.0"

// Snapshot is one immutable view of the settings. It is a plain value:
// callers receive their own copy from Loader.Load and never mutate it.
type Snapshot struct {
	// Where relative state paths are resolved. If unset, the directory of the
	// first config file is used, falling back to the XDG state directory.
	Workdir string `json:"workdir,omitempty"`

	// Local instance the promote and announce actions run against.
	Instance    string `json:"instance"`
	AccessToken string `json:"access_token,omitempty"`

	// Reported in the User-Agent, to be polite to the servers we poll.
	ContactInfo string `json:"contact_info"`
	UserAgent   string `json:"user_agent"` // format: version, contact info

	// Target duration of one full pass, in seconds.
	LoopTime float64 `json:"looptime"`

	Tags             []string          `json:"tags"`
	Sources          []string          `json:"sources"`
	SourceURLs       map[string]string `json:"source_urls"`
	SourceURLsRepeat int               `json:"source_urls_freq"`
	LocalTimelines   []string          `json:"local_timelines"`

	Ignore         []string `json:"ignore"`
	IgnoreManyTags *int     `json:"ignore_many_tags,omitempty"` // nil disables the check

	SeenFile          string  `json:"seen_file"`
	EventLog          string  `json:"event_log"`
	FetchLimit        int     `json:"fetch_limit"`
	PromoteBackoff    float64 `json:"promote_backoff"` // seconds
	RequestsPerSecond float64 `json:"requests_per_second"`

	// BaseDir is derived at load time; it is not read from files.
	BaseDir string `json:"-"`
}

// Defaults returns the compiled-in settings.
func Defaults() Snapshot {
	return Snapshot{
		Instance:    "localhost",
		ContactInfo: "Anonymous",
		UserAgent:   "HashtagHelper/%s (github.com/abelbrown/taghelper; +%s)",
		LoopTime:    3600 - 60,
		Tags:        []string{"linux", "foss"},
		Sources: []string{
			"mastodon.social", "humblr.social", "mastodon.cloud", "mastodon.xyz",
		},
		SourceURLs:        map[string]string{},
		SourceURLsRepeat:  1,
		SeenFile:          "hashtag_helper_seen.json",
		EventLog:          "taghelper.events.jsonl",
		FetchLimit:        10,
		PromoteBackoff:    60,
		RequestsPerSecond: 1,
	}
}

// LoopDuration is LoopTime as a time.Duration.
func (s Snapshot) LoopDuration() time.Duration {
	return time.Duration(s.LoopTime * float64(time.Second))
}

// SeenMaxAge is how long an identity stays in the seen store without being
// observed again: two full passes.
func (s Snapshot) SeenMaxAge() time.Duration {
	return 2 * s.LoopDuration()
}

// BackoffDuration is PromoteBackoff as a time.Duration.
func (s Snapshot) BackoffDuration() time.Duration {
	return time.Duration(s.PromoteBackoff * float64(time.Second))
}

// ClientUserAgent renders the User-Agent header value.
func (s Snapshot) ClientUserAgent() string {
	if strings.Count(s.UserAgent, "%s") != 2 {
		return s.UserAgent
	}
	return fmt.Sprintf(s.UserAgent, Version, s.ContactInfo)
}

// ManyTagsThreshold returns the tag-count threshold and whether it is set.
func (s Snapshot) ManyTagsThreshold() (int, bool) {
	if s.IgnoreManyTags == nil || *s.IgnoreManyTags <= 0 {
		return 0, false
	}
	return *s.IgnoreManyTags, true
}

// Resolve makes a state path absolute against BaseDir.
func (s Snapshot) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || s.BaseDir == "" {
		return path
	}
	return filepath.Join(s.BaseDir, path)
}

func (s *Snapshot) normalize() error {
	if s.LoopTime <= 0 {
		return fmt.Errorf("looptime must be positive, got %v", s.LoopTime)
	}
	if s.SourceURLsRepeat < 1 {
		s.SourceURLsRepeat = 1
	}
	if s.FetchLimit <= 0 {
		s.FetchLimit = 10
	}
	if s.PromoteBackoff < 0 {
		s.PromoteBackoff = 0
	}
	if s.SourceURLs == nil {
		s.SourceURLs = map[string]string{}
	}
	if s.IgnoreManyTags != nil && *s.IgnoreManyTags <= 0 {
		s.IgnoreManyTags = nil
	}
	return nil
}

// populateFromEnv lets secrets live outside the settings file.
func (s *Snapshot) populateFromEnv() {
	if tok := os.Getenv("TAGHELPER_ACCESS_TOKEN"); tok != "" {
		s.AccessToken = tok
	}
	if inst := os.Getenv("TAGHELPER_INSTANCE"); inst != "" {
		s.Instance = inst
	}
}

// DefaultPaths returns the override files used when none are given on the
// command line: the legacy settings file in the working directory, then the
// first taghelper config found in the XDG config directories.
func DefaultPaths() []string {
	var paths []string
	if _, err := os.Stat("hashtag_helper_settings.json"); err == nil {
		paths = append(paths, "hashtag_helper_settings.json")
	}
	for _, name := range []string{"taghelper/config.yaml", "taghelper/config.yml", "taghelper/config.json"} {
		if p, err := xdg.SearchConfigFile(name); err == nil {
			paths = append(paths, p)
			break
		}
	}
	return paths
}

// stateDir is the fallback base for relative state paths.
func stateDir() string {
	return filepath.Join(xdg.StateHome, "taghelper")
}
