package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"landscape/internal/config"
)

// CompanyHTTP talks to the company-enrichment provider.
type CompanyHTTP struct {
	c *httpClient
}

// NewCompanyHTTP builds the company-enrichment client.
func NewCompanyHTTP(cfg config.ServiceConfig) *CompanyHTTP {
	return &CompanyHTTP{c: newHTTPClient(cfg)}
}

type companyResponse struct {
	Domain       string   `json:"domain"`
	Name         string   `json:"name"`
	Industry     string   `json:"industry"`
	Size         string   `json:"size"`
	Technologies []string `json:"technologies"`
	ParentDomain string   `json:"parent_domain"`
}

func (c *CompanyHTTP) Enrich(ctx context.Context, domain string) (*CompanyInfo, error) {
	var resp companyResponse
	err := c.c.doJSON(ctx, http.MethodGet,
		"/v1/companies/"+url.PathEscape(domain), nil, &resp)
	if err != nil {
		// A 404 means the provider has no record: a valid outcome the
		// caller stores as a not-found marker.
		if HasStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
		}
		return nil, fmt.Errorf("enrich %s: %w", domain, err)
	}
	if resp.Name == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	return &CompanyInfo{
		Domain:       domain,
		Name:         resp.Name,
		Industry:     resp.Industry,
		Size:         resp.Size,
		Technologies: resp.Technologies,
		ParentDomain: resp.ParentDomain,
	}, nil
}
