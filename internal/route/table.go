// Package route maps request path prefixes to upstream services.
package route

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Entry binds a path prefix to an upstream base URL.
type Entry struct {
	Prefix   string `yaml:"prefix" json:"prefix"`
	Upstream string `yaml:"upstream" json:"upstream"`
}

// Match is the result of a successful lookup. Path is the escaped request
// path with the matched prefix removed textually.
type Match struct {
	Entry
	Path string

	base *url.URL
}

// URL builds the outbound URL for the match. Path stays in its escaped form,
// so encoded characters such as %2F, %3F and %25 reach the upstream as sent.
// rawQuery is appended verbatim.
func (m Match) URL(rawQuery string) (*url.URL, error) {
	base := m.base
	if base == nil {
		var err error
		if base, err = url.Parse(m.Upstream); err != nil {
			return nil, err
		}
	}
	u := *base
	escaped := base.EscapedPath() + m.Path
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", m.Prefix, err)
	}
	u.Path = path
	u.RawPath = escaped
	u.RawQuery = rawQuery
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return &u, nil
}

type compiled struct {
	Entry
	base *url.URL
}

// Table is an immutable set of routes.
type Table struct {
	entries []compiled
}

// NewTable validates entries and builds a table. When prefixes overlap the
// longest one wins.
func NewTable(entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("route table is empty")
	}
	seen := make(map[string]bool, len(entries))
	out := make([]compiled, 0, len(entries))
	for _, e := range entries {
		if e.Prefix == "" || !strings.HasPrefix(e.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", e.Prefix)
		}
		if seen[e.Prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", e.Prefix)
		}
		seen[e.Prefix] = true

		u, err := url.Parse(e.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid upstream URL: %w", e.Prefix, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("route %s: upstream %q must be an absolute http(s) URL", e.Prefix, e.Upstream)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return nil, fmt.Errorf("route %s: upstream %q must not carry a query or fragment", e.Prefix, e.Upstream)
		}
		out = append(out, compiled{Entry: e, base: u})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Prefix) > len(out[j].Prefix)
	})
	return &Table{entries: out}, nil
}

// Resolve returns the route whose prefix matches escapedPath, the request
// path as sent on the wire (url.URL.EscapedPath). Matching and stripping
// never decode the path.
func (t *Table) Resolve(escapedPath string) (Match, bool) {
	for _, e := range t.entries {
		if strings.HasPrefix(escapedPath, e.Prefix) {
			return Match{Entry: e.Entry, Path: escapedPath[len(e.Prefix):], base: e.base}, true
		}
	}
	return Match{}, false
}

// Entries returns a copy of the routes in match order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Entry
	}
	return out
}
