// Package plan expands a config snapshot into the fetch work for one pass.
package plan

import (
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strings"

	"github.com/abelbrown/taghelper/internal/config"
)

// Origins that are not a server name.
const (
	OriginURL   = "URL"
	OriginLocal = "LOCAL"
)

// WorkItem is one planned fetch. It lives for a single pass.
type WorkItem struct {
	Key    string // tag, source name or server, for reporting
	Origin string // server name, OriginURL or OriginLocal
	URL    string
}

func (w WorkItem) String() string {
	return w.Origin + ":" + w.Key
}

// TimelineURL is the public tag timeline of server.
//
// Requests deliberately carry no since_id: identical URLs let the polled
// servers answer from cache.
func TimelineURL(server, tag string, limit int) string {
	return fmt.Sprintf("https://%s/api/v1/timelines/tag/%s?limit=%d",
		server, url.PathEscape(strings.TrimPrefix(tag, "#")), limit)
}

// LocalTimelineURL is the public local timeline of server.
func LocalTimelineURL(server string, limit int) string {
	return fmt.Sprintf("https://%s/api/v1/timelines/public?local=true&limit=%d", server, limit)
}

// Build returns the unshuffled work list: every tag on every source server,
// followed by SourceURLsRepeat rounds of the custom URL sources and local
// timelines.
func Build(cfg config.Snapshot) []WorkItem {
	items := make([]WorkItem, 0, len(cfg.Tags)*len(cfg.Sources)+
		cfg.SourceURLsRepeat*(len(cfg.SourceURLs)+len(cfg.LocalTimelines)))

	for _, tag := range cfg.Tags {
		for _, server := range cfg.Sources {
			items = append(items, WorkItem{
				Key:    tag,
				Origin: server,
				URL:    TimelineURL(server, tag, cfg.FetchLimit),
			})
		}
	}

	names := make([]string, 0, len(cfg.SourceURLs))
	for name := range cfg.SourceURLs {
		names = append(names, name)
	}
	sort.Strings(names)

	for i := 0; i < cfg.SourceURLsRepeat; i++ {
		for _, name := range names {
			items = append(items, WorkItem{Key: name, Origin: OriginURL, URL: cfg.SourceURLs[name]})
		}
		for _, server := range cfg.LocalTimelines {
			items = append(items, WorkItem{
				Key:    server,
				Origin: OriginLocal,
				URL:    LocalTimelineURL(server, cfg.FetchLimit),
			})
		}
	}
	return items
}

// Shuffle permutes items in place. Randomising the order keeps an overrunning
// pass from always starving the same sources.
func Shuffle(items []WorkItem, rng *rand.Rand) {
	rng.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
}
