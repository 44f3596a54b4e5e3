// Package filter decides which discovered posts are not worth promoting.
//
// Rules come from the "ignore" setting and are parsed once per settings
// snapshot. A rule starting with '#' matches a tag, one starting with '@'
// names an account, and anything else is a case-insensitive regular
// expression over the post's plain text.
package filter

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/abelbrown/taghelper/internal/model"
)

// Rule is one parsed ignore rule: a TagRule, UserRule or ContentRule.
type Rule interface {
	// Match reports whether the rule applies. text is the item's content
	// with markup stripped and lower-cased.
	Match(item model.Item, text string) bool
	String() string
}

// TagRule ignores items carrying a tag.
type TagRule struct {
	Tag string // without '#'
}

func (r TagRule) Match(item model.Item, _ string) bool { return item.HasTag(r.Tag) }
func (r TagRule) String() string { return "#" + r.Tag }

// UserRule names an account. Account rules are accepted in the settings
// but never match.
type UserRule struct {
	Acct string // without '@'
}

func (r UserRule) Match(model.Item, string) bool { return false }
func (r UserRule) String() string { return "@" + r.Acct }

// ContentRule ignores items whose plain text matches a pattern.
type ContentRule struct {
	Pattern string
	re      *regexp.Regexp
}

func (r ContentRule) Match(_ model.Item, text string) bool { return r.re.MatchString(text) }
func (r ContentRule) String() string { return r.Pattern }

// Parse turns one rule string into a Rule. The error is a warning, never
// fatal. With a non-nil Rule it describes a rule accepted in degraded form;
// with a nil Rule (blank input) it says the rule was skipped.
func Parse(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, errors.New("empty ignore rule skipped")
	case strings.HasPrefix(s, "#"):
		return TagRule{Tag: s[1:]}, nil
	case strings.HasPrefix(s, "@"):
		return UserRule{Acct: s[1:]}, fmt.Errorf("ignore rule %q: account rules are not supported and will not filter", s)
	}

	re, err := regexp.Compile("(?i)" + s)
	if err != nil {
		return ContentRule{Pattern: s, re: regexp.MustCompile("(?i)" + regexp.QuoteMeta(s))},
			fmt.Errorf("ignore rule %q is not a valid regular expression, matching it literally: %w", s, err)
	}
	return ContentRule{Pattern: s, re: re}, nil
}

// Filter holds the parsed rules of one settings snapshot.
type Filter struct {
	rules    []Rule
	maxTags  int // 0 disables the tag-count check
	hasText  bool
	stripper *bluemonday.Policy
}

// New parses rules. maxTags > 0 ignores items carrying more than that many
// tags. Problems with individual rules are returned as warnings; they never
// prevent the filter from being built.
func New(rules []string, maxTags int) (*Filter, []error) {
	f := &Filter{
		maxTags:  max(maxTags, 0),
		stripper: bluemonday.StrictPolicy(),
	}
	var warnings []error
	for _, s := range rules {
		r, warn := Parse(s)
		if warn != nil {
			warnings = append(warnings, warn)
		}
		if r == nil {
			continue
		}
		if _, ok := r.(ContentRule); ok {
			f.hasText = true
		}
		f.rules = append(f.rules, r)
	}
	return f, warnings
}

// Rules returns the parsed rules in order.
func (f *Filter) Rules() []Rule {
	return append([]Rule(nil), f.rules...)
}

// ShouldIgnore reports whether item should be skipped, and why.
func (f *Filter) ShouldIgnore(item model.Item) (bool, string) {
	if f.maxTags > 0 && len(item.Tags) > f.maxTags {
		return true, fmt.Sprintf("too many tags (%d > %d)", len(item.Tags), f.maxTags)
	}

	var text string
	if f.hasText {
		text = f.PlainText(item.Content)
	}
	for _, r := range f.rules {
		if r.Match(item, text) {
			return true, "matched " + r.String()
		}
	}
	return false, ""
}

// PlainText strips markup from content, unescapes entities and lower-cases
// the result.
func (f *Filter) PlainText(content string) string {
	return strings.ToLower(html.UnescapeString(f.stripper.Sanitize(content)))
}
