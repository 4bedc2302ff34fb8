package dsi

import (
	"math"
	"testing"

	"landscape/internal/serp"
	"landscape/internal/store"
)

func organicRow(kw, url, domain string, pos int, traffic float64) store.SERPResult {
	return store.SERPResult{
		RunID: "run-1", KeywordID: kw, Type: serp.ContentOrganic,
		Position: pos, URL: url, Domain: domain, EstimatedTraffic: traffic,
	}
}

func TestOrganicFormulaWithSqrtTransform(t *testing.T) {
	// a.com covers 2 of 4 keywords with 300 of 400 traffic; one analyzed
	// page with persona scores averaging 0.8.
	in := Input{
		ContentType: serp.ContentOrganic,
		Results: []store.SERPResult{
			organicRow("kw-1", "https://a.com/1", "a.com", 1, 200),
			organicRow("kw-2", "https://a.com/2", "a.com", 3, 100),
			organicRow("kw-1", "https://b.com/1", "b.com", 2, 100),
		},
		Analyses: map[string]*store.ContentAnalysis{
			"https://a.com/1": {PersonaScores: map[string]float64{"cto": 0.9, "dev": 0.7}},
		},
		TotalKeywords: 4,
	}
	scores, pages := Calculate(in)
	if len(scores) != 2 {
		t.Fatalf("got %d company scores", len(scores))
	}

	var a store.DSIScore
	for _, s := range scores {
		if s.Domain == "a.com" {
			a = s
		}
	}
	// coverage 0.5, traffic share 0.75; relevance averages only analyzed
	// pages, so the single analyzed page gives 0.8.
	if a.KeywordCoverage != 0.5 {
		t.Errorf("coverage = %v, want 0.5", a.KeywordCoverage)
	}
	if a.TrafficShare != 0.75 {
		t.Errorf("traffic share = %v, want 0.75", a.TrafficShare)
	}
	if math.Abs(a.Relevance-0.8) > 1e-9 {
		t.Errorf("relevance = %v, want 0.8", a.Relevance)
	}
	want := math.Sqrt(0.5*0.75*0.8) * 100
	if math.Abs(a.DSI-want) > 1e-9 {
		t.Errorf("dsi = %v, want %v", a.DSI, want)
	}
	if len(pages) != 3 {
		t.Errorf("got %d page scores, want 3", len(pages))
	}
}

func TestSimpleOrganicFlag(t *testing.T) {
	results := []store.SERPResult{
		organicRow("kw-1", "https://a.com/1", "a.com", 1, 100),
	}
	strict, _ := Calculate(Input{
		ContentType: serp.ContentOrganic, Results: results, TotalKeywords: 1,
	})
	simple, _ := Calculate(Input{
		ContentType: serp.ContentOrganic, Results: results, TotalKeywords: 1,
		SimpleOrganic: true,
	})

	// coverage 1, traffic share 1, relevance 0.5: sqrt form gives
	// sqrt(0.5)·100, weighted form gives (0.4+0.15+0.01+0.1)·100.
	wantStrict := math.Sqrt(0.5) * 100
	if math.Abs(strict[0].DSI-wantStrict) > 1e-9 {
		t.Errorf("strict dsi = %v, want %v", strict[0].DSI, wantStrict)
	}
	wantSimple := (0.4*1 + 0.3*0.5 + 0.2*(1.0/20) + 0.1*1) * 100
	if math.Abs(simple[0].DSI-wantSimple) > 1e-9 {
		t.Errorf("simple dsi = %v, want %v", simple[0].DSI, wantSimple)
	}
}

func TestNewsWeightedFormula(t *testing.T) {
	// 25 appearances saturates market presence at 1.
	var results []store.SERPResult
	for i := 0; i < 25; i++ {
		results = append(results, store.SERPResult{
			RunID: "run-1", KeywordID: "kw-1", Type: serp.ContentNews,
			Position: 1, URL: "https://n.com/1", Domain: "n.com",
		})
	}
	scores, _ := Calculate(Input{
		ContentType: serp.ContentNews, Results: results, TotalKeywords: 1,
	})
	s := scores[0]
	if s.MarketPresence != 1 {
		t.Errorf("presence = %v, want saturated 1", s.MarketPresence)
	}
	want := (0.4*1 + 0.3*0.5 + 0.2*1 + 0.1*1) * 100
	if math.Abs(s.DSI-want) > 1e-9 {
		t.Errorf("dsi = %v, want %v", s.DSI, want)
	}
	if s.MarketPosition != PositionLeader {
		t.Errorf("label = %s, want leader", s.MarketPosition)
	}
}

func TestPositionProxyWhenTrafficMissing(t *testing.T) {
	scores, _ := Calculate(Input{
		ContentType: serp.ContentOrganic,
		Results: []store.SERPResult{
			organicRow("kw-1", "https://a.com/1", "a.com", 11, 0),
		},
		TotalKeywords: 2,
	})
	// proxy = clip((21-11)/20) = 0.5, weighted by coverage 0.5 → 0.25.
	if scores[0].TrafficShare != 0.25 {
		t.Errorf("traffic share = %v, want proxy 0.25", scores[0].TrafficShare)
	}
}

func TestDenseRankingAndTieBreaks(t *testing.T) {
	// b.com and c.com end with identical DSI; a.com wins outright.
	results := []store.SERPResult{
		organicRow("kw-1", "https://a.com/1", "a.com", 1, 300),
		organicRow("kw-2", "https://a.com/2", "a.com", 1, 300),
		organicRow("kw-1", "https://b.com/1", "b.com", 2, 200),
		organicRow("kw-2", "https://c.com/1", "c.com", 5, 200),
	}
	scores, _ := Calculate(Input{
		ContentType: serp.ContentOrganic, Results: results, TotalKeywords: 2,
	})
	if len(scores) != 3 {
		t.Fatalf("got %d scores", len(scores))
	}
	if scores[0].Domain != "a.com" || scores[0].Rank != 1 {
		t.Errorf("top = %s rank %d", scores[0].Domain, scores[0].Rank)
	}
	// Identical DSI shares a dense rank; better average position orders
	// the tie.
	if scores[1].DSI == scores[2].DSI {
		if scores[1].Rank != 2 || scores[2].Rank != 2 {
			t.Errorf("tied ranks = %d, %d, want both 2", scores[1].Rank, scores[2].Rank)
		}
		if scores[1].Domain != "b.com" {
			t.Errorf("tie order: got %s first, want b.com (better avg position)", scores[1].Domain)
		}
	} else {
		// Ranks must stay dense either way.
		if scores[1].Rank != 2 || scores[2].Rank != 3 {
			t.Errorf("ranks = %d, %d, want 2, 3", scores[1].Rank, scores[2].Rank)
		}
	}
}

func TestLabels(t *testing.T) {
	cases := []struct {
		dsi  float64
		want string
	}{
		{72, PositionLeader},
		{50, PositionLeader},
		{49.9, PositionChallenger},
		{25, PositionChallenger},
		{24.9, PositionCompetitor},
		{10, PositionCompetitor},
		{9.9, PositionNiche},
		{0, PositionNiche},
	}
	for _, tc := range cases {
		if got := Label(tc.dsi); got != tc.want {
			t.Errorf("Label(%v) = %s, want %s", tc.dsi, got, tc.want)
		}
	}
}

func TestCompanyNameFromProfile(t *testing.T) {
	scores, _ := Calculate(Input{
		ContentType: serp.ContentOrganic,
		Results: []store.SERPResult{
			organicRow("kw-1", "https://a.com/1", "a.com", 1, 10),
		},
		Companies: map[string]*store.CompanyProfile{
			"a.com": {Domain: "a.com", Name: "A Corp", Found: true},
		},
		TotalKeywords: 1,
	})
	if scores[0].CompanyName != "A Corp" {
		t.Errorf("name = %q", scores[0].CompanyName)
	}
}

func TestEmptyInput(t *testing.T) {
	scores, pages := Calculate(Input{ContentType: serp.ContentOrganic})
	if scores != nil || pages != nil {
		t.Errorf("empty input should yield nil slices")
	}
}
