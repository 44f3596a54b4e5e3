// Package fetch retrieves posts from public Fediverse timelines.
//
// A timeline is either the Mastodon REST form (a JSON array of statuses) or
// an RSS/Atom feed. Either way the result is a slice of model.Item in the
// order the server returned them, which is newest first for Mastodon.
//
// Fetch never fails: any network, status, or decode problem is reported as a
// fetch.error event and yields an empty result, so one bad server cannot stop
// a pass.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/abelbrown/taghelper/internal/model"
	"github.com/abelbrown/taghelper/internal/otel"
)

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string

	// RequestsPerSecond limits requests to any single host. Zero or negative
	// means unlimited.
	RequestsPerSecond float64

	Logger *otel.Logger
}

// Fetcher retrieves timelines over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
	every     rate.Limit
	logger    *otel.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = otel.NewNullLogger()
	}
	every := rate.Inf
	if opts.RequestsPerSecond > 0 {
		every = rate.Limit(opts.RequestsPerSecond)
	}
	return &Fetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		every:     every,
		logger:    opts.Logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Fetch returns the posts at rawURL, or nil if anything went wrong.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) []model.Item {
	start := time.Now()
	items, err := f.fetch(ctx, rawURL)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Emit(otel.Event{
				Level:  otel.LevelWarn,
				Kind:   otel.KindFetchError,
				Comp:   "fetch",
				Source: rawURL,
				Dur:    time.Since(start),
				Err:    err.Error(),
			})
		}
		return nil
	}
	return items
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) ([]model.Item, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "application/json, application/rss+xml, application/atom+xml;q=0.9, */*;q=0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if isFeed(resp.Header.Get("Content-Type"), body) {
		return parseFeed(body)
	}
	return parseStatuses(body)
}

// limiter returns the per-host rate limiter, creating it on first use.
func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.every, 1)
		f.limiters[host] = l
	}
	return l
}

// isFeed decides between the feed parser and the status decoder. The
// content type wins when it is specific; otherwise the first byte does.
func isFeed(contentType string, body []byte) bool {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.Contains(mt, "json"):
		return false
	case strings.Contains(mt, "xml"), strings.Contains(mt, "rss"), strings.Contains(mt, "atom"):
		return true
	}
	trimmed := strings.TrimSpace(string(body[:min(len(body), 64)]))
	return strings.HasPrefix(trimmed, "<")
}

// status is the subset of a Mastodon status we read.
type status struct {
	URI     string `json:"uri"`
	Content string `json:"content"`
	Tags    []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Account struct {
		Acct string `json:"acct"`
	} `json:"account"`
	Reblog *status `json:"reblog"`
}

func (s status) item() (model.Item, error) {
	if s.Reblog != nil {
		return s.Reblog.item()
	}
	if s.URI == "" {
		return model.Item{}, errors.New("status without uri")
	}
	tags := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		tags = append(tags, t.Name)
	}
	return model.Item{
		Identity: s.URI,
		Tags:     tags,
		Content:  s.Content,
		Account:  s.Account.Acct,
	}, nil
}

// parseStatuses decodes a Mastodon timeline. A malformed record fails the
// whole response.
func parseStatuses(body []byte) ([]model.Item, error) {
	var statuses []status
	if err := json.Unmarshal(body, &statuses); err != nil {
		return nil, fmt.Errorf("decode statuses: %w", err)
	}
	items := make([]model.Item, 0, len(statuses))
	for i, s := range statuses {
		item, err := s.item()
		if err != nil {
			return nil, fmt.Errorf("status %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// parseFeed decodes an RSS or Atom timeline. Mastodon publishes hashtags as
// feed categories.
func parseFeed(body []byte) ([]model.Item, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	items := make([]model.Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		id := fi.GUID
		if id == "" {
			id = fi.Link
		}
		if id == "" {
			continue
		}
		content := fi.Content
		if content == "" {
			content = fi.Description
		}
		author := ""
		if fi.Author != nil {
			author = fi.Author.Name
		}
		items = append(items, model.Item{
			Identity: id,
			Tags:     append([]string(nil), fi.Categories...),
			Content:  content,
			Account:  author,
		})
	}
	return items, nil
}
