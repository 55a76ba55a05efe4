package crawler

import (
	"net/url"
	"sort"
	"strings"
)

// ResolveLink rewrites a relative reference against domain. Absolute http(s)
// URLs are returned unchanged; an empty reference yields "".
func ResolveLink(domain, raw string) string {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return ""
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ref
	}
	if strings.HasPrefix(ref, "//") {
		scheme := "https"
		if u, err := url.Parse(domain); err == nil && u.Scheme != "" {
			scheme = u.Scheme
		}
		return scheme + ":" + ref
	}
	return strings.TrimRight(domain, "/") + "/" + strings.TrimLeft(ref, "/")
}

// DomainOf returns scheme://host for raw, or "" when raw is not absolute.
func DomainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// DedupURLs returns the distinct non-empty URLs in lexical order.
func DedupURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// HostOf returns the lower-cased hostname of raw without a leading "www.".
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
