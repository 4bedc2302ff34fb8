package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"landscape/internal/providers"
	"landscape/internal/store"
)

// Company profile source types.
const (
	profileSourceSERP    = "SERP_ENRICHMENT"
	profileSourceYouTube = "YOUTUBE_ENRICHMENT"
)

type enrichmentResult struct {
	Domains  int `json:"domains"`
	Enriched int `json:"enriched"`
	Cached   int `json:"cached"`
	NotFound int `json:"not_found"`
	Failed   int `json:"failed"`
}

// runCompanyEnrichment resolves every distinct SERP domain to a company
// profile. Profiles inside the TTL are reused; unresolvable domains get a
// not-found marker so they are not re-asked until the marker ages out. The
// phase requires ninety percent of domains settled.
func runCompanyEnrichment(ctx context.Context, rc *RunContext) (any, error) {
	domains, err := rc.Deps.Store.DistinctDomains(ctx, rc.Run.ID)
	if err != nil {
		return nil, err
	}
	return enrichDomains(ctx, rc, store.PhaseCompanyEnrichment, profileSourceSERP, domains)
}

func enrichDomains(ctx context.Context, rc *RunContext, phase, sourceType string, domains []string) (any, error) {
	d := rc.Deps
	ttl := time.Duration(rc.Config.CompanyProfileTTLHours) * time.Hour

	var enriched, cached, notFound atomic.Int64
	stats, err := processItems(ctx, rc, phase, "domain", domains, rc.Config.ConcurrencyFor(phase),
		func(ctx context.Context, domain string) error {
			outcome, err := enrichDomain(ctx, rc, domain, sourceType, ttl)
			switch outcome {
			case enrichCached:
				cached.Add(1)
			case enrichFetched:
				enriched.Add(1)
			case enrichNotFound:
				notFound.Add(1)
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	if stats.completedRatio() < 0.9 {
		return nil, fmt.Errorf("company enrichment settled only %d of %d domains",
			stats.Completed, stats.Total)
	}

	d.Store.AddCounters(ctx, rc.Run.ID, store.Counters{CompaniesEnriched: int(enriched.Load())})
	return enrichmentResult{
		Domains:  stats.Total,
		Enriched: int(enriched.Load()),
		Cached:   int(cached.Load()),
		NotFound: int(notFound.Load()),
		Failed:   stats.Failed,
	}, nil
}

type enrichOutcome int

const (
	enrichCached enrichOutcome = iota
	enrichFetched
	enrichNotFound
)

// enrichDomain settles one domain: reuse a fresh profile, or ask the
// provider and persist either the profile or a not-found marker.
func enrichDomain(ctx context.Context, rc *RunContext, domain, sourceType string, ttl time.Duration) (enrichOutcome, error) {
	d := rc.Deps

	if _, err := d.Store.FreshCompanyProfile(ctx, domain, ttl); err == nil {
		return enrichCached, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return enrichCached, err
	}

	var info *providers.CompanyInfo
	err := guarded(ctx, d, ServiceCompany, "company enrich", func(ctx context.Context) error {
		var err error
		info, err = d.Company.Enrich(ctx, domain)
		if errors.Is(err, providers.ErrNotFound) {
			info = nil
			return nil
		}
		return err
	})
	if err != nil {
		return enrichCached, err
	}

	now := time.Now().UTC()
	if info == nil {
		// Marker row: a known-unresolvable domain inside the TTL.
		return enrichNotFound, d.Store.UpsertCompanyProfile(ctx, &store.CompanyProfile{
			Domain:     domain,
			SourceType: sourceType,
			Found:      false,
			EnrichedAt: now,
		})
	}
	return enrichFetched, d.Store.UpsertCompanyProfile(ctx, &store.CompanyProfile{
		Domain:       domain,
		Name:         info.Name,
		Industry:     info.Industry,
		Size:         info.Size,
		Technologies: info.Technologies,
		ParentDomain: info.ParentDomain,
		SourceType:   sourceType,
		Found:        true,
		EnrichedAt:   now,
	})
}
