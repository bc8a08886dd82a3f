package fetch

import (
	"fmt"
	"net/url"
	"strings"
)

// Guard decides whether a URL may be fetched at all. The check runs before
// any network activity; a rejected URL is a terminal failure.
type Guard interface {
	Safe(rawURL string) bool
}

// GuardFunc adapts a function to the Guard interface.
type GuardFunc func(rawURL string) bool

// Safe implements Guard.
func (f GuardFunc) Safe(rawURL string) bool { return f(rawURL) }

// AllowList is the default Guard: a URL is safe when it parses, uses an
// http(s) scheme, and its scheme+host pair matches one of the configured
// base URLs. An empty allow list rejects everything.
type AllowList struct {
	origins map[string]struct{}
}

// NewAllowList builds an AllowList from base URLs such as
// "https://app.example.com" or "http://127.0.0.1:8080".
func NewAllowList(bases ...string) (*AllowList, error) {
	origins := make(map[string]struct{}, len(bases))
	for _, base := range bases {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse allow list entry %q: %w", base, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("allow list entry %q: scheme must be http or https", base)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("allow list entry %q: missing host", base)
		}
		origins[originKey(u)] = struct{}{}
	}
	return &AllowList{origins: origins}, nil
}

// Safe implements Guard.
func (a *AllowList) Safe(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	_, ok := a.origins[originKey(u)]
	return ok
}

func originKey(u *url.URL) string {
	return u.Scheme + "://" + strings.ToLower(u.Host)
}
