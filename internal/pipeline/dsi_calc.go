package pipeline

import (
	"context"
	"fmt"

	"landscape/internal/dsi"
	"landscape/internal/serp"
	"landscape/internal/store"
)

type dsiContentTypeResult struct {
	Companies int    `json:"companies"`
	Pages     int    `json:"pages"`
	Top       string `json:"top,omitempty"`
}

// runDSICalculation scores every content type the run collected. Replacing
// the scores wholesale makes a re-run of the phase idempotent.
func runDSICalculation(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps

	keywords, err := d.Store.ActiveKeywords(ctx, rc.Config.Project, rc.Config.KeywordIDs)
	if err != nil {
		return nil, err
	}

	analysisRows, err := d.Store.ListContentAnalyses(ctx, rc.Run.ID)
	if err != nil {
		return nil, err
	}
	analyses := make(map[string]*store.ContentAnalysis, len(analysisRows))
	for _, a := range analysisRows {
		analyses[a.URL] = a
	}

	payload := map[string]dsiContentTypeResult{}
	for _, ctName := range rc.Config.ContentTypes {
		ct, err := serp.ParseContentType(ctName)
		if err != nil {
			return nil, err
		}
		results, err := d.Store.ListSERPResults(ctx, rc.Run.ID, ct)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			continue
		}

		domainSeen := map[string]bool{}
		var domains []string
		for _, r := range results {
			if r.Domain != "" && !domainSeen[r.Domain] {
				domainSeen[r.Domain] = true
				domains = append(domains, r.Domain)
			}
		}
		companies, err := d.Store.CompanyProfiles(ctx, domains)
		if err != nil {
			return nil, err
		}

		scores, pages := dsi.Calculate(dsi.Input{
			ContentType:   ct,
			Results:       results,
			Analyses:      analyses,
			Companies:     companies,
			TotalKeywords: len(keywords),
			SimpleOrganic: rc.Config.SimpleOrganicDSI(),
		})
		for i := range scores {
			scores[i].RunID = rc.Run.ID
		}
		for i := range pages {
			pages[i].RunID = rc.Run.ID
		}

		if err := d.Store.ReplaceDSIScores(ctx, rc.Run.ID, ct, scores); err != nil {
			return nil, err
		}
		if err := d.Store.ReplacePageDSIScores(ctx, rc.Run.ID, ct, pages); err != nil {
			return nil, err
		}

		res := dsiContentTypeResult{Companies: len(scores), Pages: len(pages)}
		if len(scores) > 0 {
			res.Top = scores[0].Domain
		}
		payload[ctName] = res
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("no serp results to score")
	}
	return payload, nil
}
