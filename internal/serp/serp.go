// Package serp holds the SERP domain vocabulary shared by the collectors,
// the state store, and the batch coordinator: content types, result entries,
// root-domain normalization, and the provider webhook wire contract.
package serp

import (
	"fmt"
	"net/url"
	"strings"
)

// ContentType identifies a SERP vertical.
type ContentType string

const (
	ContentOrganic ContentType = "organic"
	ContentNews    ContentType = "news"
	ContentVideo   ContentType = "video"
)

// ParseContentType validates a content-type string.
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(strings.ToLower(s)) {
	case ContentOrganic:
		return ContentOrganic, nil
	case ContentNews:
		return ContentNews, nil
	case ContentVideo:
		return ContentVideo, nil
	default:
		return "", fmt.Errorf("unknown content type %q", s)
	}
}

// Entry is one ranked result for a (keyword, region, content-type) query.
type Entry struct {
	KeywordID        string      `json:"keyword_id"`
	Type             ContentType `json:"type"`
	Position         int         `json:"position"`
	URL              string      `json:"url"`
	Domain           string      `json:"domain"` // normalized root domain
	Title            string      `json:"title"`
	Snippet          string      `json:"snippet"`
	EstimatedTraffic float64     `json:"estimated_traffic,omitempty"`
}

// VideoID extracts the video id from a YouTube-style URL. Empty when the
// URL is not recognizable as a video link.
func VideoID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))

	switch host {
	case "youtu.be":
		return strings.Trim(strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)[0], "/")
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		for _, prefix := range []string{"/embed/", "/shorts/", "/v/", "/live/"} {
			if strings.HasPrefix(u.Path, prefix) {
				rest := strings.TrimPrefix(u.Path, prefix)
				if i := strings.IndexByte(rest, '/'); i >= 0 {
					rest = rest[:i]
				}
				return rest
			}
		}
	}
	return ""
}

// ChannelFromURL extracts a channel id from a YouTube channel URL, empty
// when none is present.
func ChannelFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if strings.HasPrefix(u.Path, "/channel/") {
		rest := strings.TrimPrefix(u.Path, "/channel/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}
	return ""
}
