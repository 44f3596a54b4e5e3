// Package mastodon talks to the local instance: it asks the instance to
// resolve remote posts (which makes them known locally) and posts status
// updates.
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/taghelper/internal/model"
)

// Options configures a Client.
type Options struct {
	// Instance is a host name ("example.social") or a base URL.
	Instance    string
	AccessToken string
	UserAgent   string
	Timeout     time.Duration

	// RequestsPerSecond limits calls to the instance. Zero or negative means
	// unlimited.
	RequestsPerSecond float64
}

// Client calls the Mastodon REST API of one instance.
type Client struct {
	base      string
	token     string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Client{
		base:      BaseURL(opts.Instance),
		token:     opts.AccessToken,
		userAgent: opts.UserAgent,
		client:    &http.Client{Timeout: opts.Timeout},
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// BaseURL turns an instance setting into an API base URL.
func BaseURL(instance string) string {
	instance = strings.TrimRight(strings.TrimSpace(instance), "/")
	if strings.Contains(instance, "://") {
		return instance
	}
	return "https://" + instance
}

// Available returns true if an access token is configured.
func (c *Client) Available() bool {
	return c.token != ""
}

// APIError is a non-2xx response from the instance.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mastodon API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("mastodon API error (status %d): %s", e.StatusCode, e.Body)
}

// Unwrap exposes model.ErrTransient for statuses that signal temporary
// unavailability, so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	if transientStatus(e.StatusCode) {
		return model.ErrTransient
	}
	return nil
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Promote asks the instance to resolve uri, which fetches the post and
// makes it part of the local federated timeline.
func (c *Client) Promote(ctx context.Context, uri string) error {
	q := url.Values{}
	q.Set("q", uri)
	q.Set("resolve", "true")
	q.Set("limit", "1")
	q.Set("type", "statuses")

	body, err := c.do(ctx, http.MethodGet, "/api/v2/search?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", uri, err)
	}

	var res searchResult
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("resolve %s: parse response: %w", uri, err)
	}
	if len(res.Statuses) == 0 {
		return fmt.Errorf("resolve %s: %w", uri, model.ErrUnresolved)
	}
	return nil
}

// Announce posts a public status.
func (c *Client) Announce(ctx context.Context, text string) error {
	payload, err := json.Marshal(statusRequest{Status: text, Visibility: "public"})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/statuses", payload); err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	return nil
}

// do performs one authorized request and returns the response body.
// Network timeouts are classified as transient.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: %v", model.ErrTransient, err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
}

type searchResult struct {
	Statuses []struct {
		URI string `json:"uri"`
	} `json:"statuses"`
}

type statusRequest struct {
	Status     string `json:"status"`
	Visibility string `json:"visibility,omitempty"`
}

// truncate shortens s to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= maxLen {
		return string(runes)
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
