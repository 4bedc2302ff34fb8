package providers

import (
	"context"
	"fmt"
	"net/http"

	"landscape/internal/config"
)

// ScraperHTTP talks to the managed scraping service.
type ScraperHTTP struct {
	c *httpClient
}

// NewScraperHTTP builds the scraping-service client.
func NewScraperHTTP(cfg config.ServiceConfig) *ScraperHTTP {
	return &ScraperHTTP{c: newHTTPClient(cfg)}
}

type scrapeRequest struct {
	URL string `json:"url"`
	// ContentType routes the request to the right extraction engine:
	// html, pdf or doc.
	ContentType string `json:"content_type"`
}

func (s *ScraperHTTP) Scrape(ctx context.Context, url, contentType string) (*ScrapeResult, error) {
	var resp ScrapeResult
	err := s.c.doJSON(ctx, http.MethodPost, "/v1/scrape", scrapeRequest{
		URL:         url,
		ContentType: contentType,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", url, err)
	}
	if resp.URL == "" {
		resp.URL = url
	}
	return &resp, nil
}
