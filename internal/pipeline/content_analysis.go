package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"landscape/internal/config"
	"landscape/internal/providers"
	"landscape/internal/serp"
	"landscape/internal/store"
)

// minAnalyzableChars is the smallest body worth sending to the model.
const minAnalyzableChars = 100

// analysisSystemPrompt renders the model instructions from the client's
// analysis dimensions: the personas content is scored against, the
// buyer-journey phase labels, and any custom dimensions.
func analysisSystemPrompt(ac config.AnalysisConfig) string {
	persona := "the buyer persona the page targets"
	if len(ac.Personas) > 0 {
		persona = "one of: " + strings.Join(ac.Personas, " | ")
	}

	var sb strings.Builder
	sb.WriteString("You analyze web pages collected from search results for a B2B market landscape.\n")
	sb.WriteString("Given a page's title and text, respond with a single JSON object and nothing else:\n")
	sb.WriteString("{\n")
	sb.WriteString("  \"summary\": \"two or three sentences\",\n")
	fmt.Fprintf(&sb, "  \"primary_persona\": \"%s\",\n", persona)
	sb.WriteString("  \"persona_scores\": {\"<persona>\": 0.0-1.0, ...},\n")
	fmt.Fprintf(&sb, "  \"journey_phase\": \"%s\",\n", strings.Join(ac.JourneyPhases, " | "))
	sb.WriteString("  \"journey_score\": 0.0-1.0,\n")
	sb.WriteString("  \"classification\": \"editorial | vendor | review | documentation | other\",\n")
	sb.WriteString("  \"source_type\": \"OWNED | EARNED | COMPETITOR | OTHER\",\n")
	if len(ac.CustomDimensions) > 0 {
		quoted := make([]string, len(ac.CustomDimensions))
		for i, dim := range ac.CustomDimensions {
			quoted[i] = fmt.Sprintf("%q: 0.0-1.0", dim)
		}
		fmt.Fprintf(&sb, "  \"dimension_scores\": {%s},\n", strings.Join(quoted, ", "))
	}
	sb.WriteString("  \"mentions\": [\"company or product names mentioned\"],\n")
	sb.WriteString("  \"sentiment\": \"positive | neutral | negative\"\n")
	sb.WriteString("}\n")
	sb.WriteString("Score persona_scores for every listed persona.")
	return sb.String()
}

type analysisResult struct {
	Candidates int `json:"candidates"`
	Analyzed   int `json:"analyzed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// analysisResponse is the JSON contract the model is asked to honor.
type analysisResponse struct {
	Summary        string             `json:"summary"`
	PrimaryPersona string             `json:"primary_persona"`
	PersonaScores  map[string]float64 `json:"persona_scores"`
	JourneyPhase   string             `json:"journey_phase"`
	JourneyScore   float64            `json:"journey_score"`
	Classification string             `json:"classification"`
	SourceType     string             `json:"source_type"`
	Mentions       []string           `json:"mentions"`
	Sentiment      string             `json:"sentiment"`
	// Scores for client-configured custom dimensions, when any.
	DimensionScores map[string]float64 `json:"dimension_scores"`
}

// runContentAnalysis sends every eligible scraped page through the LLM
// once. Eligible means a substantial body and a referring domain the
// company phase enriched; pages analyzed earlier in this run are skipped.
// Each page gets a single attempt (model calls are too expensive to retry
// blindly), and the analysis row is persisted atomically per page.
func runContentAnalysis(ctx context.Context, rc *RunContext) (any, error) {
	d := rc.Deps
	phase := store.PhaseContentAnalysis

	pages, err := d.Store.ListScrapedContent(ctx, rc.Run.ID, scrapeCompleted)
	if err != nil {
		return nil, err
	}
	analyzed, err := d.Store.AnalyzedURLs(ctx, rc.Run.ID)
	if err != nil {
		return nil, err
	}

	enriched := map[string]bool{}
	hasProfile := func(domain string) bool {
		if domain == "" {
			return false
		}
		ok, seen := enriched[domain]
		if !seen {
			p, err := d.Store.GetCompanyProfile(ctx, domain)
			ok = err == nil && p.Found
			enriched[domain] = ok
		}
		return ok
	}

	byURL := make(map[string]*store.ScrapedContent, len(pages))
	skipped := 0
	var candidates []string
	for _, p := range pages {
		if len(p.Body) <= minAnalyzableChars {
			skipped++
			continue
		}
		if analyzed[p.URL] {
			skipped++
			continue
		}
		if !hasProfile(serp.DomainFromURL(p.URL)) {
			skipped++
			continue
		}
		byURL[p.URL] = p
		candidates = append(candidates, p.URL)
	}

	sysPrompt := analysisSystemPrompt(rc.Config.Analysis)

	var done atomic.Int64
	stats, err := processItems(ctx, rc, phase, "url", candidates, rc.Config.ConcurrencyFor(phase),
		func(ctx context.Context, url string) error {
			page, ok := byURL[url]
			if !ok {
				// Requeued from an earlier attempt; reload the row.
				reloaded, err := d.Store.GetScrapedContent(ctx, rc.Run.ID, url)
				if err != nil {
					return err
				}
				page = reloaded
			}
			if err := analyzePage(ctx, rc, sysPrompt, page); err != nil {
				return err
			}
			done.Add(1)
			return nil
		})
	if err != nil {
		return nil, err
	}
	if stats.Total > 0 && stats.completedRatio() < 0.5 {
		return nil, fmt.Errorf("content analysis settled only %d of %d pages",
			stats.Completed, stats.Total)
	}

	d.Store.AddCounters(ctx, rc.Run.ID, store.Counters{PagesAnalyzed: int(done.Load())})
	return analysisResult{
		Candidates: stats.Total,
		Analyzed:   int(done.Load()),
		Skipped:    skipped,
		Failed:     stats.Failed,
	}, nil
}

// analyzePage runs one page through the model and persists the analysis.
// The model gets exactly one attempt, guarded by the LLM circuit breaker.
func analyzePage(ctx context.Context, rc *RunContext, sysPrompt string, page *store.ScrapedContent) error {
	d := rc.Deps

	prompt := analysisPrompt(ctx, rc, page)

	var raw string
	err := d.Breakers.Do(ctx, ServiceLLM, func(ctx context.Context) error {
		var err error
		raw, err = d.LLM.CompleteWithSystem(ctx, sysPrompt, prompt)
		return err
	})
	if err != nil {
		return fmt.Errorf("analysis of %s: %w", page.URL, err)
	}

	resp, err := parseAnalysis(raw)
	if err != nil {
		return fmt.Errorf("analysis of %s: %w", page.URL, err)
	}

	return d.Store.UpsertContentAnalysis(ctx, &store.ContentAnalysis{
		RunID:           rc.Run.ID,
		URL:             page.URL,
		Summary:         resp.Summary,
		PrimaryPersona:  resp.PrimaryPersona,
		PersonaScores:   resp.PersonaScores,
		JourneyPhase:    resp.JourneyPhase,
		JourneyScore:    resp.JourneyScore,
		Classification:  resp.Classification,
		SourceType:      resp.SourceType,
		Mentions:        resp.Mentions,
		Sentiment:       resp.Sentiment,
		DimensionScores: resp.DimensionScores,
		AnalyzedAt:      time.Now().UTC(),
	})
}

// analysisPrompt assembles the user prompt: page text within the truncation
// budget, plus the owning company's profile when one is known.
func analysisPrompt(ctx context.Context, rc *RunContext, page *store.ScrapedContent) string {
	d := rc.Deps

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nTitle: %s\n", page.URL, page.Title)

	if domain := serp.DomainFromURL(page.URL); domain != "" {
		if p, err := d.Store.GetCompanyProfile(ctx, domain); err == nil && p.Found {
			fmt.Fprintf(&sb, "Publisher: %s (%s, %s)\n", p.Name, p.Industry, p.Size)
		}
	}

	sb.WriteString("\nPage text:\n")
	sb.WriteString(providers.TruncateInput(page.Body, d.Cfg.Providers.LLM.MaxChars))
	return sb.String()
}

// parseAnalysis decodes the model's JSON, tolerating markdown code fences
// around the object.
func parseAnalysis(raw string) (*analysisResponse, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	if i := strings.LastIndex(s, "}"); i >= 0 {
		s = s[:i+1]
	}
	var resp analysisResponse
	if err := json.Unmarshal([]byte(s), &resp); err != nil {
		return nil, fmt.Errorf("model returned unparseable analysis: %w", err)
	}
	return &resp, nil
}
