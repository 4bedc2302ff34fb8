// Package providers defines the interfaces for every external collaborator
// the pipeline talks to, plus HTTP clients for each. Workers depend only on
// the interfaces; tests substitute hand-rolled fakes.
package providers

import (
	"context"
	"errors"

	"landscape/internal/serp"
)

// ErrNotFound is returned when a provider has no data for the subject
// (e.g. an unknown company domain). It is a valid outcome, not a failure.
var ErrNotFound = errors.New("providers: not found")

// KeywordMetricData is one keyword's search metrics for a country.
type KeywordMetricData struct {
	Keyword            string  `json:"keyword"`
	AvgMonthlySearches int64   `json:"avg_monthly_searches"`
	Competition        string  `json:"competition"`
	BidLow             float64 `json:"bid_low"`
	BidHigh            float64 `json:"bid_high"`
	// NoData marks a keyword the provider returned nothing for.
	NoData bool `json:"no_data"`
}

// KeywordDataClient fetches search-volume metrics.
type KeywordDataClient interface {
	// Metrics returns one entry per requested keyword; keywords the
	// provider knows nothing about come back with NoData set.
	Metrics(ctx context.Context, keywords []string, country string) ([]KeywordMetricData, error)
}

// KeywordResults pairs a keyword query with its ranked entries.
type KeywordResults struct {
	Keyword string       `json:"keyword"`
	Region  string       `json:"region"`
	Entries []serp.Entry `json:"entries"`
}

// SearchClient collects SERPs, either synchronously per keyword or through
// provider-side batches delivered by webhook.
type SearchClient interface {
	// Search runs one synchronous query.
	Search(ctx context.Context, keyword, region string, ct serp.ContentType, count int) ([]serp.Entry, error)
	// CreateBatch submits a provider-side batch and returns its id. The
	// provider calls the webhook when the result set completes.
	CreateBatch(ctx context.Context, name string, keywords []string, regions []string, ct serp.ContentType) (string, error)
	// DownloadResults fetches and parses a completed result set from the
	// webhook-provided download links, keyed by artifact format.
	DownloadResults(ctx context.Context, links map[string]serp.WebhookDownloadLinks) ([]KeywordResults, error)
}

// CompanyInfo is a provider's company record for a domain.
type CompanyInfo struct {
	Domain       string   `json:"domain"`
	Name         string   `json:"name"`
	Industry     string   `json:"industry"`
	Size         string   `json:"size"`
	Technologies []string `json:"technologies"`
	ParentDomain string   `json:"parent_domain"`
}

// CompanyClient enriches domains with company metadata.
type CompanyClient interface {
	// Enrich returns the company behind a normalized root domain, or
	// ErrNotFound when the provider cannot resolve it.
	Enrich(ctx context.Context, domain string) (*CompanyInfo, error)
}

// VideoInfo is the metadata for one video.
type VideoInfo struct {
	VideoID         string `json:"video_id"`
	ChannelID       string `json:"channel_id"`
	ChannelTitle    string `json:"channel_title"`
	Title           string `json:"title"`
	Views           int64  `json:"views"`
	Likes           int64  `json:"likes"`
	Comments        int64  `json:"comments"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// ChannelInfo is the metadata for one channel, used by the resolver to find
// the company behind it.
type ChannelInfo struct {
	ChannelID   string `json:"channel_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CustomURL   string `json:"custom_url"`
	Links       []string
}

// MaxVideoIDsPerCall is the provider's hard cap on ids per list call.
const MaxVideoIDsPerCall = 50

// VideoClient fetches video and channel metadata. One call of up to
// MaxVideoIDsPerCall ids costs one quota unit.
type VideoClient interface {
	Videos(ctx context.Context, ids []string) ([]VideoInfo, error)
	Channel(ctx context.Context, channelID string) (*ChannelInfo, error)
}

// ScrapeResult is the extraction outcome for one URL.
type ScrapeResult struct {
	URL         string `json:"url"`
	FinalURL    string `json:"final_url"`
	ContentType string `json:"content_type"` // html, pdf, doc
	Title       string `json:"title"`
	Body        string `json:"body"`
	WordCount   int    `json:"word_count"`
	Engine      string `json:"engine"`
	PageCount   int    `json:"page_count"`
	TableCount  int    `json:"table_count"`
}

// ScraperClient extracts text content from URLs.
type ScraperClient interface {
	Scrape(ctx context.Context, url, contentType string) (*ScrapeResult, error)
}

// LLMClient produces completions for analysis and extraction prompts.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, system, prompt string) (string, error)
}
