package fingerprint

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// QueryFilter selects which query parameters take part in a fingerprint.
// At most one of Ignore and Keep may be non-empty.
type QueryFilter struct {
	Ignore map[string]struct{}
	Keep   map[string]struct{}
}

func (f QueryFilter) allows(key string) bool {
	if len(f.Keep) > 0 {
		_, ok := f.Keep[key]
		return ok
	}
	_, ignored := f.Ignore[key]
	return !ignored
}

// NormalizeURL canonicalizes rawURL so that equivalent URLs compare equal.
// Scheme and host are lowercased, userinfo, default ports and the fragment are
// removed, the path is cleaned, and query parameters are filtered and sorted.
func NormalizeURL(rawURL string, filter QueryFilter) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, crawler.ErrMalformedRequest)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute: %w", rawURL, crawler.ErrMalformedRequest)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.User = nil
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host

	u.Path = cleanPath(u.Path)
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = encodeQuery(u.Query(), filter)

	return u.String(), nil
}

func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

func encodeQuery(values url.Values, filter QueryFilter) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if filter.allows(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
