package providers

import (
	"context"
	"fmt"
	"net/http"

	"landscape/internal/config"
)

// KeywordDataHTTP talks to the keyword-metrics provider.
type KeywordDataHTTP struct {
	c *httpClient
}

// NewKeywordDataHTTP builds the keyword-metrics client.
func NewKeywordDataHTTP(cfg config.ServiceConfig) *KeywordDataHTTP {
	return &KeywordDataHTTP{c: newHTTPClient(cfg)}
}

type metricsRequest struct {
	Keywords []string `json:"keywords"`
	Country  string   `json:"country"`
}

type metricsResponse struct {
	Metrics []KeywordMetricData `json:"metrics"`
}

func (k *KeywordDataHTTP) Metrics(ctx context.Context, keywords []string, country string) ([]KeywordMetricData, error) {
	var resp metricsResponse
	err := k.c.doJSON(ctx, http.MethodPost, "/v1/keyword-metrics", metricsRequest{
		Keywords: keywords,
		Country:  country,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("keyword metrics: %w", err)
	}

	// Keywords the provider omitted come back as explicit no-data rows so
	// the caller can persist the marker.
	returned := make(map[string]bool, len(resp.Metrics))
	for _, m := range resp.Metrics {
		returned[m.Keyword] = true
	}
	out := resp.Metrics
	for _, kw := range keywords {
		if !returned[kw] {
			out = append(out, KeywordMetricData{Keyword: kw, NoData: true})
		}
	}
	return out, nil
}
