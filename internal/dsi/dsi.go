// Package dsi computes Digital Share of Intelligence scores: per-company and
// per-page rankings of landscape visibility within one pipeline run, scored
// separately per content type on a 0–100 scale.
package dsi

import (
	"math"
	"sort"

	"landscape/internal/serp"
	"landscape/internal/store"
)

// Market position labels by score threshold.
const (
	PositionLeader     = "leader"     // DSI >= 50
	PositionChallenger = "challenger" // DSI >= 25
	PositionCompetitor = "competitor" // DSI >= 10
	PositionNiche      = "niche"
)

// Weights of the simple formula used for news and video (and for organic
// when SimpleOrganic is set).
const (
	weightCoverage  = 0.40
	weightRelevance = 0.30
	weightPresence  = 0.20
	weightPosition  = 0.10
)

// defaultRelevance applies when a company has no analyzed pages.
const defaultRelevance = 0.5

// Input is everything the calculation needs for one (run, content type).
type Input struct {
	ContentType serp.ContentType
	// Results are the run's SERP rows for this content type.
	Results []store.SERPResult
	// Analyses maps url to its content analysis, where one exists.
	Analyses map[string]*store.ContentAnalysis
	// Companies maps normalized root domain to its profile, where known.
	Companies map[string]*store.CompanyProfile
	// TotalKeywords is the landscape keyword count, the coverage
	// denominator.
	TotalKeywords int
	// SimpleOrganic switches organic scoring to the weighted-sum formula.
	SimpleOrganic bool
}

type domainAgg struct {
	domain      string
	keywords    map[string]bool
	urls        map[string]bool
	appearances int
	positionSum int
	traffic     float64
}

type urlAgg struct {
	url         string
	domain      string
	keywords    map[string]bool
	appearances int
	positionSum int
	traffic     float64
}

// Calculate produces company-level and page-level scores for one content
// type. Both slices are ready to persist; company scores carry dense ranks.
func Calculate(in Input) ([]store.DSIScore, []store.PageDSIScore) {
	if len(in.Results) == 0 {
		return nil, nil
	}

	domains := map[string]*domainAgg{}
	urls := map[string]*urlAgg{}
	var totalTraffic float64
	for _, r := range in.Results {
		if r.Domain == "" {
			continue
		}
		d, ok := domains[r.Domain]
		if !ok {
			d = &domainAgg{
				domain:   r.Domain,
				keywords: map[string]bool{},
				urls:     map[string]bool{},
			}
			domains[r.Domain] = d
		}
		d.keywords[r.KeywordID] = true
		d.urls[r.URL] = true
		d.appearances++
		d.positionSum += r.Position
		d.traffic += r.EstimatedTraffic

		u, ok := urls[r.URL]
		if !ok {
			u = &urlAgg{url: r.URL, domain: r.Domain, keywords: map[string]bool{}}
			urls[r.URL] = u
		}
		u.keywords[r.KeywordID] = true
		u.appearances++
		u.positionSum += r.Position
		u.traffic += r.EstimatedTraffic

		totalTraffic += r.EstimatedTraffic
	}

	totalKeywords := in.TotalKeywords
	if totalKeywords <= 0 {
		// Fall back to the keywords actually observed in the run.
		seen := map[string]bool{}
		for _, r := range in.Results {
			seen[r.KeywordID] = true
		}
		totalKeywords = len(seen)
	}

	scores := make([]store.DSIScore, 0, len(domains))
	for _, d := range domains {
		coverage := float64(len(d.keywords)) / float64(totalKeywords)
		avgPos := float64(d.positionSum) / float64(d.appearances)
		trafficShare := shareOrProxy(d.traffic, totalTraffic, avgPos, coverage)
		relevance := companyRelevance(d.urls, in.Analyses)
		presence := math.Min(float64(d.appearances)/20, 1)
		positionScore := positionScore(avgPos)

		var dsi float64
		if in.ContentType == serp.ContentOrganic && !in.SimpleOrganic {
			dsi = math.Sqrt(coverage*trafficShare*relevance) * 100
		} else {
			dsi = (weightCoverage*coverage +
				weightRelevance*relevance +
				weightPresence*presence +
				weightPosition*positionScore) * 100
		}

		s := store.DSIScore{
			ContentType:     in.ContentType,
			Domain:          d.domain,
			KeywordCoverage: coverage,
			TrafficShare:    trafficShare,
			Relevance:       relevance,
			MarketPresence:  presence,
			PositionScore:   positionScore,
			DSI:             dsi,
			MarketPosition:  Label(dsi),
		}
		if p, ok := in.Companies[d.domain]; ok {
			s.CompanyName = p.Name
		}
		scores = append(scores, s)
	}

	rank(scores, domains)

	pages := make([]store.PageDSIScore, 0, len(urls))
	for _, u := range urls {
		coverage := float64(len(u.keywords)) / float64(totalKeywords)
		avgPos := float64(u.positionSum) / float64(u.appearances)
		trafficShare := shareOrProxy(u.traffic, totalTraffic, avgPos, coverage)
		relevance := defaultRelevance
		if a, ok := in.Analyses[u.url]; ok {
			relevance = pageRelevance(a)
		}
		presence := math.Min(float64(u.appearances)/20, 1)

		var dsi float64
		if in.ContentType == serp.ContentOrganic && !in.SimpleOrganic {
			dsi = math.Sqrt(coverage*trafficShare*relevance) * 100
		} else {
			dsi = (weightCoverage*coverage +
				weightRelevance*relevance +
				weightPresence*presence +
				weightPosition*positionScore(avgPos)) * 100
		}
		pages = append(pages, store.PageDSIScore{
			ContentType: in.ContentType,
			URL:         u.url,
			Domain:      u.domain,
			DSI:         dsi,
		})
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].DSI != pages[j].DSI {
			return pages[i].DSI > pages[j].DSI
		}
		return pages[i].URL < pages[j].URL
	})

	return scores, pages
}

// shareOrProxy returns the traffic share, or the position-based proxy
// weighted by coverage when the landscape has no traffic estimates.
func shareOrProxy(traffic, total, avgPos, coverage float64) float64 {
	if total > 0 {
		return traffic / total
	}
	return clip01((21-avgPos)/20) * coverage
}

// positionScore rewards top placements: 1 at position 1, falling to 0 at
// position 21.
func positionScore(avgPos float64) float64 {
	return math.Max(0, 1-(avgPos-1)/20)
}

// companyRelevance averages page relevance over the company's analyzed
// pages; no analyzed pages yields the neutral default.
func companyRelevance(urls map[string]bool, analyses map[string]*store.ContentAnalysis) float64 {
	var sum float64
	var n int
	for u := range urls {
		a, ok := analyses[u]
		if !ok {
			continue
		}
		sum += pageRelevance(a)
		n++
	}
	if n == 0 {
		return defaultRelevance
	}
	return sum / float64(n)
}

// pageRelevance normalizes the summed persona-alignment scores of one page
// to [0,1].
func pageRelevance(a *store.ContentAnalysis) float64 {
	if len(a.PersonaScores) == 0 {
		return defaultRelevance
	}
	var sum float64
	for _, v := range a.PersonaScores {
		sum += v
	}
	return clip01(sum / float64(len(a.PersonaScores)))
}

// rank assigns dense ranks: equal scores share a rank and the next distinct
// score gets the next integer. Ties in ordering break by keyword coverage
// descending, then average position ascending.
func rank(scores []store.DSIScore, domains map[string]*domainAgg) {
	avgPos := func(domain string) float64 {
		d := domains[domain]
		return float64(d.positionSum) / float64(d.appearances)
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].DSI != scores[j].DSI {
			return scores[i].DSI > scores[j].DSI
		}
		if scores[i].KeywordCoverage != scores[j].KeywordCoverage {
			return scores[i].KeywordCoverage > scores[j].KeywordCoverage
		}
		pi, pj := avgPos(scores[i].Domain), avgPos(scores[j].Domain)
		if pi != pj {
			return pi < pj
		}
		return scores[i].Domain < scores[j].Domain
	})

	r := 0
	for i := range scores {
		if i == 0 || scores[i].DSI != scores[i-1].DSI {
			r++
		}
		scores[i].Rank = r
	}
}

// Label maps a DSI score to its market position label.
func Label(dsi float64) string {
	switch {
	case dsi >= 50:
		return PositionLeader
	case dsi >= 25:
		return PositionChallenger
	case dsi >= 10:
		return PositionCompetitor
	default:
		return PositionNiche
	}
}

func clip01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
