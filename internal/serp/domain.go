package serp

import (
	"net/url"
	"strings"
)

// Second-level labels that keep a third label under a two-letter country
// code (example.co.uk stays example.co.uk, not co.uk).
var secondLevelLabels = map[string]bool{
	"co":  true,
	"com": true,
	"org": true,
	"net": true,
	"gov": true,
	"edu": true,
	"ac":  true,
}

// NormalizeDomain reduces a hostname or URL to the root domain used as the
// company key: lowercase, leading www. stripped, reduced to the last two
// labels, or three when the next-to-last label is a known second-level
// label and the last is a two-letter country code. Idempotent.
func NormalizeDomain(raw string) string {
	host := strings.TrimSpace(strings.ToLower(raw))
	if host == "" {
		return ""
	}

	if strings.Contains(host, "/") || strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		} else if u, err := url.Parse("http://" + host); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")
	host = strings.Trim(host, ".")
	if host == "" {
		return ""
	}

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}

	last := labels[len(labels)-1]
	nextToLast := labels[len(labels)-2]
	keep := 2
	if len(last) == 2 && secondLevelLabels[nextToLast] && len(labels) >= 3 {
		keep = 3
	}
	return strings.Join(labels[len(labels)-keep:], ".")
}

// DomainFromURL extracts and normalizes the root domain of a URL.
func DomainFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return NormalizeDomain(raw)
	}
	return NormalizeDomain(u.Hostname())
}
