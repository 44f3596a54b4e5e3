// Package model holds the types shared by the discovery loop.
package model

import (
	"errors"
	"strings"
)

// Item is a single post discovered on a source feed.
type Item struct {
	Identity string   // stable URI of the post, the dedup key
	Tags     []string // tag names without the leading '#'
	Content  string   // HTML
	Account  string   // author acct, e.g. "alice@example.social"
}

// HasTag reports whether the item carries tag, compared case-insensitively.
func (it Item) HasTag(tag string) bool {
	tag = strings.TrimPrefix(tag, "#")
	for _, t := range it.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ErrTransient marks promote failures that signal temporary upstream
// unavailability. Wrap it with fmt.Errorf("%w: ...", ErrTransient).
var ErrTransient = errors.New("transient upstream failure")

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ErrUnresolved marks a promote the instance answered but could not resolve
// to a status, usually because the origin refused or the post is gone.
var ErrUnresolved = errors.New("post not resolved")

// OldestFirst returns items in reverse order. Feeds list most-recent-first;
// promoting oldest-first keeps a burst of new posts in chronological order.
func OldestFirst(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out
}
