package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertCompanyProfile stores (or refreshes) a company profile keyed by
// normalized root domain. Found=false rows are valid: they mark a domain the
// provider could not resolve so it is not retried inside the TTL.
func (s *Store) UpsertCompanyProfile(ctx context.Context, p *CompanyProfile) error {
	if p.EnrichedAt.IsZero() {
		p.EnrichedAt = time.Now().UTC()
	}
	tech, err := json.Marshal(p.Technologies)
	if err != nil {
		return fmt.Errorf("failed to encode technologies: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO company_profiles
			(domain, name, industry, size, technologies, parent_domain,
			 source_type, found, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			name = excluded.name,
			industry = excluded.industry,
			size = excluded.size,
			technologies = excluded.technologies,
			parent_domain = excluded.parent_domain,
			source_type = excluded.source_type,
			found = excluded.found,
			enriched_at = excluded.enriched_at`,
		p.Domain, p.Name, p.Industry, p.Size, string(tech), p.ParentDomain,
		p.SourceType, p.Found, p.EnrichedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert company profile: %w", err)
	}
	return nil
}

// GetCompanyProfile fetches the profile for a domain regardless of age, or
// ErrNotFound.
func (s *Store) GetCompanyProfile(ctx context.Context, domain string) (*CompanyProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, name, industry, size, technologies, parent_domain,
		       source_type, found, enriched_at
		FROM company_profiles WHERE domain = ?`, domain)
	return scanProfile(row)
}

// FreshCompanyProfile fetches the profile only when it was enriched within
// ttl; an older profile yields ErrNotFound so the caller re-enriches.
func (s *Store) FreshCompanyProfile(ctx context.Context, domain string, ttl time.Duration) (*CompanyProfile, error) {
	p, err := s.GetCompanyProfile(ctx, domain)
	if err != nil {
		return nil, err
	}
	if time.Since(p.EnrichedAt) > ttl {
		return nil, ErrNotFound
	}
	return p, nil
}

// CompanyProfiles bulk-fetches profiles for the given domains. Missing
// domains are simply absent from the returned map.
func (s *Store) CompanyProfiles(ctx context.Context, domains []string) (map[string]*CompanyProfile, error) {
	out := make(map[string]*CompanyProfile, len(domains))
	for _, d := range domains {
		p, err := s.GetCompanyProfile(ctx, d)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[d] = p
	}
	return out, nil
}

func scanProfile(r rowScanner) (*CompanyProfile, error) {
	var (
		p    CompanyProfile
		tech string
	)
	err := r.Scan(&p.Domain, &p.Name, &p.Industry, &p.Size, &tech,
		&p.ParentDomain, &p.SourceType, &p.Found, &p.EnrichedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan company profile: %w", err)
	}
	if err := json.Unmarshal([]byte(tech), &p.Technologies); err != nil {
		return nil, fmt.Errorf("failed to decode technologies: %w", err)
	}
	p.EnrichedAt = p.EnrichedAt.UTC()
	return &p, nil
}
