package parsemw

import (
	"context"
	"slices"
	"strings"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

// DomainMatcher matches hosts against exact names and "*." / "." suffix
// patterns.
type DomainMatcher struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewDomainMatcher builds a matcher. It returns nil when patterns contains no
// usable entry.
func NewDomainMatcher(patterns []string) *DomainMatcher {
	m := &DomainMatcher{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *DomainMatcher) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(m.suffixes, suffix) {
		return
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Match reports whether host is covered. A nil matcher matches nothing.
func (m *DomainMatcher) Match(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Offsite drops follow-up requests to blocked hosts and to hosts outside the
// allowed domains. With no allowed domains every unblocked host passes.
type Offsite struct {
	middleware.NopParse

	allowed *DomainMatcher
	blocked *DomainMatcher
}

// NewOffsite builds the middleware. Blocked patterns win over allowed ones.
func NewOffsite(allowedDomains, blockedDomains []string) *Offsite {
	return &Offsite{
		allowed: NewDomainMatcher(allowedDomains),
		blocked: NewDomainMatcher(blockedDomains),
	}
}

// AfterParse implements middleware.ParseMiddleware.
func (o *Offsite) AfterParse(_ context.Context, _ *crawler.Response, out crawler.Output) (middleware.Result, error) {
	if out.Request == nil {
		return middleware.Next(), nil
	}
	host := out.Request.Host()
	if o.blocked.Match(host) {
		return middleware.DropWith("blocked"), nil
	}
	if o.allowed == nil || o.allowed.Match(host) {
		return middleware.Next(), nil
	}
	return middleware.DropWith("offsite"), nil
}
