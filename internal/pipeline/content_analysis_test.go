package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"landscape/internal/config"
	"landscape/internal/store"
)

const analyzableBody = "Our CRM platform helps sales teams close deals faster with automation, " +
	"pipeline analytics, and the integrations your reps already use every day of the week."

func analysisRun(t *testing.T, d *Deps, id string) *RunContext {
	t.Helper()
	run := &store.PipelineRun{
		ID: id, Project: "acme", PeriodDate: "2026-08-26",
		Mode: "initial", Status: store.RunRunning,
	}
	if err := d.Store.CreatePipelineRun(context.Background(), run, store.PhaseOrder); err != nil {
		t.Fatal(err)
	}
	return &RunContext{
		Run:    run,
		Config: runConfigOf(d.Cfg, run),
		Deps:   d,
		Logger: d.Logger,
	}
}

func seedScrape(t *testing.T, d *Deps, runID, url string) {
	t.Helper()
	err := d.Store.UpsertScrapedContent(context.Background(), &store.ScrapedContent{
		RunID: runID, URL: url, Status: scrapeCompleted,
		Title: "page", Body: analyzableBody, WordCount: 25,
		ScrapedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAnalysisRequiresEnrichedDomain(t *testing.T) {
	d, _ := newEnv(t, nil)
	ctx := context.Background()
	rc := analysisRun(t, d, "run-an")

	seedScrape(t, d, rc.Run.ID, "https://acme.com/pricing")
	seedScrape(t, d, rc.Run.ID, "https://noprofile.example/post")
	seedScrape(t, d, rc.Run.ID, "https://ghost.dev/feature")

	// acme.com is enriched; ghost.dev carries a not-found marker;
	// noprofile.example has no profile row at all.
	if err := d.Store.UpsertCompanyProfile(ctx, &store.CompanyProfile{
		Domain: "acme.com", Name: "Acme", Found: true, EnrichedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := d.Store.UpsertCompanyProfile(ctx, &store.CompanyProfile{
		Domain: "ghost.dev", Found: false, EnrichedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := runContentAnalysis(ctx, rc)
	if err != nil {
		t.Fatal(err)
	}
	ar := res.(analysisResult)
	if ar.Analyzed != 1 || ar.Skipped != 2 {
		t.Errorf("analyzed = %d, skipped = %d, want 1 and 2", ar.Analyzed, ar.Skipped)
	}

	analyzed, err := d.Store.AnalyzedURLs(ctx, rc.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !analyzed["https://acme.com/pricing"] {
		t.Error("page on enriched domain was not analyzed")
	}
	for _, url := range []string{"https://noprofile.example/post", "https://ghost.dev/feature"} {
		if analyzed[url] {
			t.Errorf("%s analyzed despite un-enriched referring domain", url)
		}
	}
}

func TestAnalysisSystemPromptUsesClientDimensions(t *testing.T) {
	prompt := analysisSystemPrompt(config.AnalysisConfig{
		Personas:         []string{"revenue ops lead", "security reviewer"},
		JourneyPhases:    []string{"problem-identification", "consensus-creation"},
		CustomDimensions: []string{"pricing transparency"},
	})

	for _, want := range []string{
		"revenue ops lead | security reviewer",
		"problem-identification | consensus-creation",
		`"pricing transparency": 0.0-1.0`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	// Without custom dimensions the contract omits the scores field.
	bare := analysisSystemPrompt(config.DefaultRunConfig().Analysis)
	if strings.Contains(bare, "dimension_scores") {
		t.Error("dimension_scores offered with no custom dimensions configured")
	}
	if !strings.Contains(bare, "supplier-selection") {
		t.Error("default journey phases missing from prompt")
	}
}

func TestAnalysisPersistsDimensionScores(t *testing.T) {
	d, f := newEnv(t, func(cfg *config.Config) {
		cfg.Run.Analysis.CustomDimensions = []string{"pricing transparency"}
	})
	f.llm.response = `{"summary":"vendor pricing page","primary_persona":"business decision maker",
		"persona_scores":{"business decision maker":0.9},"journey_phase":"supplier-selection",
		"journey_score":0.8,"classification":"vendor","source_type":"OWNED","mentions":["Acme"],
		"sentiment":"positive","dimension_scores":{"pricing transparency":0.7}}`

	ctx := context.Background()
	rc := analysisRun(t, d, "run-dims")
	seedScrape(t, d, rc.Run.ID, "https://acme.com/pricing")
	if err := d.Store.UpsertCompanyProfile(ctx, &store.CompanyProfile{
		Domain: "acme.com", Name: "Acme", Found: true, EnrichedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := runContentAnalysis(ctx, rc); err != nil {
		t.Fatal(err)
	}

	a, err := d.Store.GetContentAnalysis(ctx, rc.Run.ID, "https://acme.com/pricing")
	if err != nil {
		t.Fatal(err)
	}
	if a.DimensionScores["pricing transparency"] != 0.7 {
		t.Errorf("dimension scores = %v, want pricing transparency 0.7", a.DimensionScores)
	}
	if a.JourneyPhase != "supplier-selection" {
		t.Errorf("journey phase = %q", a.JourneyPhase)
	}
}
