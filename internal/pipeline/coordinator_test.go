package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"landscape/internal/config"
	"landscape/internal/providers"
	"landscape/internal/serp"
	"landscape/internal/store"
)

func webhookPayload(project, period string, ct serp.ContentType, batchID string) *serp.WebhookPayload {
	return &serp.WebhookPayload{
		RequestInfo: serp.WebhookRequestInfo{Type: serp.WebhookTypeBatchCompleted},
		Batch: serp.WebhookBatch{
			ID:   batchID,
			Name: BatchName(project, period, ct),
		},
		ResultSet: serp.WebhookResultSet{
			ID:                7,
			SearchesCompleted: 10,
			DownloadLinks: map[string]serp.WebhookDownloadLinks{
				"json": {Pages: []string{"https://dl.example.com/" + batchID}},
			},
		},
	}
}

// batchEnv configures the webhook-driven flow: batch mode on, webhook starts
// the pipeline, and only the serp phase enabled so runs finish fast.
func batchEnv(t *testing.T) (*Deps, *fakes) {
	d, f := newEnv(t, func(cfg *config.Config) {
		cfg.Run.BatchMode = config.Bool(true)
		cfg.Run.WebhookStartsPipeline = config.Bool(true)
		cfg.Run.EnabledPhases = map[string]bool{
			store.PhaseKeywordMetrics:    false,
			store.PhaseCompanyEnrichment: false,
			store.PhaseVideoEnrichment:   false,
			store.PhaseContentScraping:   false,
			store.PhaseContentAnalysis:   false,
			store.PhaseYouTubeEnrichment: false,
			store.PhaseDSICalculation:    false,
		}
	})
	f.search.downloads = []providers.KeywordResults{
		{Keyword: "crm software", Region: "US", Entries: []serp.Entry{
			{Position: 1, URL: "https://acme.com/crm", Domain: "acme.com", Title: "Acme"},
		}},
	}
	return d, f
}

func expectAll(t *testing.T, d *Deps, project, period string, types ...serp.ContentType) {
	t.Helper()
	for _, ct := range types {
		if err := d.Store.RecordExpectation(context.Background(), project, period, ct); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCoordinatorStartsExactlyOneRun(t *testing.T) {
	d, _ := batchEnv(t)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	c := NewCoordinator(d, o)
	ctx := context.Background()

	period := "2026-08-26"
	expectAll(t, d, "acme", period, serp.ContentOrganic, serp.ContentNews)

	// Both webhooks land, including a duplicate delivery, concurrently.
	payloads := []*serp.WebhookPayload{
		webhookPayload("acme", period, serp.ContentOrganic, "b-org"),
		webhookPayload("acme", period, serp.ContentNews, "b-news"),
		webhookPayload("acme", period, serp.ContentNews, "b-news"),
	}
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.HandleWebhook(ctx, p); err != nil {
				t.Errorf("webhook: %v", err)
			}
		}()
	}
	wg.Wait()

	runs, err := d.Store.ListPipelineRuns(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want exactly 1", len(runs))
	}
	lock, err := d.Store.GetCoordinatorLock(ctx, "acme", period)
	if err != nil {
		t.Fatal(err)
	}
	if lock.RunID != runs[0].ID {
		t.Errorf("lock run %s != created run %s", lock.RunID, runs[0].ID)
	}

	waitFor(t, 10*time.Second, "webhook-started run to complete", func() bool {
		cur, err := d.Store.GetPipelineRun(ctx, runs[0].ID)
		return err == nil && cur.Status == store.RunCompleted
	})

	results, err := d.Store.ListSERPResults(ctx, runs[0].ID, serp.ContentOrganic)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].KeywordID != "kw-1" {
		t.Fatalf("ingested results = %+v", results)
	}
}

func TestCoordinatorWaitsForCutoff(t *testing.T) {
	d, _ := batchEnv(t)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	c := NewCoordinator(d, o)
	ctx := context.Background()

	period := "2026-08-26"
	expectAll(t, d, "acme", period, serp.ContentOrganic, serp.ContentNews, serp.ContentVideo)

	if err := c.HandleWebhook(ctx, webhookPayload("acme", period, serp.ContentOrganic, "b-org")); err != nil {
		t.Fatal(err)
	}

	// One of three received and the window still open: no run yet.
	if runs, _ := d.Store.ListPipelineRuns(ctx, ""); len(runs) != 0 {
		t.Fatalf("run started before cutoff with %d of 3 batches", len(runs))
	}
}

func TestCoordinatorCutoffProceedsWithGaps(t *testing.T) {
	d, _ := batchEnv(t)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	c := NewCoordinator(d, o)
	ctx := context.Background()

	period := "2026-08-26"
	expectAll(t, d, "acme", period, serp.ContentOrganic, serp.ContentNews)

	if err := c.HandleWebhook(ctx, webhookPayload("acme", period, serp.ContentOrganic, "b-org")); err != nil {
		t.Fatal(err)
	}
	// Backdate the arrival so the cutoff window has lapsed.
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := d.Store.DB().Exec(
		`UPDATE batch_expectations SET received_at = ? WHERE project = ?`, past, "acme"); err != nil {
		t.Fatal(err)
	}

	// The watchdog-driven sweep notices the lapsed cutoff.
	c.Sweep(ctx)

	runs, err := d.Store.ListPipelineRuns(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1 after cutoff", len(runs))
	}
	waitFor(t, 10*time.Second, "run to complete without the news batch", func() bool {
		cur, err := d.Store.GetPipelineRun(ctx, runs[0].ID)
		return err == nil && cur.Status == store.RunCompleted
	})

	events, _ := d.Store.ListEvents(ctx, runs[0].ID)
	gap := false
	for _, e := range events {
		if e.Kind == "serp_batch_gap" {
			gap = true
		}
	}
	if !gap {
		t.Error("no serp_batch_gap event for the missing news batch")
	}
}

func TestCoordinatorRejectsUnparseableBatchName(t *testing.T) {
	d, _ := batchEnv(t)
	c := NewCoordinator(d, NewOrchestrator(d))

	p := webhookPayload("acme", "2026-08-26", serp.ContentOrganic, "b-1")
	p.Batch.Name = "something else entirely"
	if err := c.HandleWebhook(context.Background(), p); err == nil {
		t.Error("want error for unparseable batch name")
	}
}

func TestSchedulerStartsDailyRunsOncePerDay(t *testing.T) {
	d, _ := newEnv(t, func(cfg *config.Config) {
		cfg.Scheduler.Projects = []string{"acme"}
	})
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	s := NewScheduler(d, o)
	ctx := context.Background()

	s.StartDue(ctx)
	s.StartDue(ctx) // second tick of the same day must not double-start

	runs, err := d.Store.ListPipelineRuns(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	waitFor(t, 10*time.Second, "scheduled run to complete", func() bool {
		cur, err := d.Store.GetPipelineRun(ctx, runs[0].ID)
		return err == nil && cur.Status == store.RunCompleted
	})
}

func TestStatusAndActivityViews(t *testing.T) {
	d, _ := newEnv(t, nil)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	status, err := Status(ctx, d, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != store.RunCompleted || len(status.Phases) != len(store.PhaseOrder) {
		t.Fatalf("status = %s with %d phases", status.Status, len(status.Phases))
	}
	var scraping *PhaseView
	for i := range status.Phases {
		if status.Phases[i].Phase == store.PhaseContentScraping {
			scraping = &status.Phases[i]
		}
	}
	if scraping == nil || scraping.Items.Completed == 0 {
		t.Errorf("scraping view missing item counts: %+v", scraping)
	}

	activity, err := Activity(ctx, d, run.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(activity.Events) == 0 {
		t.Fatal("no events in activity view")
	}
	if activity.Events[0].Kind != "run_completed" {
		t.Errorf("newest event = %s, want run_completed", activity.Events[0].Kind)
	}
	if len(activity.Active) != 0 {
		t.Errorf("completed run reports active phases: %v", activity.Active)
	}
}

func TestActivityReportsInFlightRateAndETA(t *testing.T) {
	d, _ := newEnv(t, nil)
	ctx := context.Background()

	run := &store.PipelineRun{
		ID: "run-live", Project: "acme", PeriodDate: "2026-08-26",
		Mode: "initial", Status: store.RunRunning,
	}
	if err := d.Store.CreatePipelineRun(ctx, run, store.PhaseOrder); err != nil {
		t.Fatal(err)
	}
	if err := d.Store.TransitionPhase(ctx, run.ID, store.PhaseContentScraping,
		[]store.PhaseStatus{store.PhasePending}, store.PhaseRunning, ""); err != nil {
		t.Fatal(err)
	}

	// 6 of 10 items done, 4 still claimed, phase one minute in.
	urls := make([]string, 10)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://acme.com/p%d", i)
	}
	if err := d.Store.EnqueueWorkItems(ctx, run.ID, store.PhaseContentScraping, "url", urls); err != nil {
		t.Fatal(err)
	}
	claimed, err := d.Store.ClaimWorkItems(ctx, run.ID, store.PhaseContentScraping, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range claimed[:6] {
		if err := d.Store.CompleteWorkItem(ctx, run.ID, store.PhaseContentScraping, id); err != nil {
			t.Fatal(err)
		}
	}
	started := time.Now().UTC().Add(-time.Minute)
	if _, err := d.Store.DB().Exec(
		`UPDATE phase_statuses SET started_at = ? WHERE run_id = ? AND phase = ?`,
		started, run.ID, store.PhaseContentScraping); err != nil {
		t.Fatal(err)
	}

	activity, err := Activity(ctx, d, run.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(activity.Active) != 1 {
		t.Fatalf("active phases = %d, want 1", len(activity.Active))
	}
	live := activity.Active[0]
	if live.Phase != store.PhaseContentScraping {
		t.Errorf("active phase = %s", live.Phase)
	}
	if len(live.InFlight) != 4 {
		t.Errorf("in-flight items = %v, want the 4 claimed urls", live.InFlight)
	}
	// 6 completions in roughly a minute.
	if live.RatePerMinute < 3 || live.RatePerMinute > 12 {
		t.Errorf("rate = %.2f items/min, want about 6", live.RatePerMinute)
	}
	if live.ETASeconds <= 0 || live.ETASeconds > 120 {
		t.Errorf("eta = %ds, want about 40", live.ETASeconds)
	}
}
