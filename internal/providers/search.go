package providers

import (
	"context"
	"fmt"
	"net/http"

	"landscape/internal/config"
	"landscape/internal/retry"
	"landscape/internal/serp"
)

// SearchHTTP talks to the SERP provider's REST API.
type SearchHTTP struct {
	c *httpClient
}

// NewSearchHTTP builds the SERP provider client.
func NewSearchHTTP(cfg config.ServiceConfig) *SearchHTTP {
	return &SearchHTTP{c: newHTTPClient(cfg)}
}

type searchRequest struct {
	Keyword string `json:"keyword"`
	Region  string `json:"region"`
	Type    string `json:"type"`
	Count   int    `json:"num_results"`
}

type searchResponse struct {
	Results []searchResultItem `json:"results"`
}

type searchResultItem struct {
	Position         int     `json:"position"`
	URL              string  `json:"url"`
	Title            string  `json:"title"`
	Snippet          string  `json:"snippet"`
	EstimatedTraffic float64 `json:"estimated_traffic"`
}

func (s *SearchHTTP) Search(ctx context.Context, keyword, region string, ct serp.ContentType, count int) ([]serp.Entry, error) {
	var resp searchResponse
	err := s.c.doJSON(ctx, http.MethodPost, "/v1/search", searchRequest{
		Keyword: keyword,
		Region:  region,
		Type:    string(ct),
		Count:   count,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", keyword, err)
	}

	entries := make([]serp.Entry, 0, len(resp.Results))
	for _, r := range resp.Results {
		entries = append(entries, serp.Entry{
			Type:             ct,
			Position:         r.Position,
			URL:              r.URL,
			Domain:           serp.DomainFromURL(r.URL),
			Title:            r.Title,
			Snippet:          r.Snippet,
			EstimatedTraffic: r.EstimatedTraffic,
		})
	}
	return entries, nil
}

type createBatchRequest struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Regions  []string `json:"regions"`
	Type     string   `json:"type"`
}

type createBatchResponse struct {
	BatchID string `json:"batch_id"`
}

func (s *SearchHTTP) CreateBatch(ctx context.Context, name string, keywords []string, regions []string, ct serp.ContentType) (string, error) {
	var resp createBatchResponse
	err := s.c.doJSON(ctx, http.MethodPost, "/v1/batches", createBatchRequest{
		Name:     name,
		Keywords: keywords,
		Regions:  regions,
		Type:     string(ct),
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("create batch %q: %w", name, err)
	}
	if resp.BatchID == "" {
		return "", retry.Permanent(fmt.Errorf("create batch %q: provider returned no id", name))
	}
	return resp.BatchID, nil
}

type downloadPage struct {
	Keyword string             `json:"keyword"`
	Region  string             `json:"region"`
	Type    string             `json:"type"`
	Results []searchResultItem `json:"results"`
}

func (s *SearchHTTP) DownloadResults(ctx context.Context, links map[string]serp.WebhookDownloadLinks) ([]KeywordResults, error) {
	urls := downloadURLs(links)
	if len(urls) == 0 {
		return nil, retry.Permanent(fmt.Errorf("result set carries no download links"))
	}

	var out []KeywordResults
	for _, u := range urls {
		var pages []downloadPage
		if err := s.c.getRaw(ctx, u, &pages); err != nil {
			return nil, fmt.Errorf("download %s: %w", u, err)
		}
		for _, p := range pages {
			ct, err := serp.ParseContentType(p.Type)
			if err != nil {
				continue
			}
			kr := KeywordResults{Keyword: p.Keyword, Region: p.Region}
			for _, r := range p.Results {
				kr.Entries = append(kr.Entries, serp.Entry{
					Type:             ct,
					Position:         r.Position,
					URL:              r.URL,
					Domain:           serp.DomainFromURL(r.URL),
					Title:            r.Title,
					Snippet:          r.Snippet,
					EstimatedTraffic: r.EstimatedTraffic,
				})
			}
			out = append(out, kr)
		}
	}
	return out, nil
}

// downloadURLs flattens the link map, preferring json artifacts.
func downloadURLs(links map[string]serp.WebhookDownloadLinks) []string {
	pick := func(l serp.WebhookDownloadLinks) []string {
		if len(l.Pages) > 0 {
			return l.Pages
		}
		if l.All != "" {
			return []string{l.All}
		}
		return nil
	}
	if l, ok := links["json"]; ok {
		if urls := pick(l); len(urls) > 0 {
			return urls
		}
	}
	for _, l := range links {
		if urls := pick(l); len(urls) > 0 {
			return urls
		}
	}
	return nil
}
