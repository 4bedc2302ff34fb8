package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"landscape/internal/config"
	"landscape/internal/serp"
	"landscape/internal/store"
)

func startRun(t *testing.T, o *Orchestrator, project string) *store.PipelineRun {
	t.Helper()
	run, err := o.Start(context.Background(), config.RunConfig{Project: project})
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func phaseStatus(t *testing.T, d *Deps, runID, phase string) store.PhaseStatus {
	t.Helper()
	row, err := d.Store.GetPhase(context.Background(), runID, phase)
	if err != nil {
		t.Fatal(err)
	}
	return row.Status
}

func TestExecuteHappyPath(t *testing.T) {
	d, _ := newEnv(t, nil)
	seedKeywords(t, d, "acme", "crm software", "sales automation")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	got, err := d.Store.GetPipelineRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.RunCompleted {
		t.Fatalf("run status = %s, errors = %v", got.Status, got.Errors)
	}
	for _, phase := range store.PhaseOrder {
		if s := phaseStatus(t, d, run.ID, phase); !s.Terminal() {
			t.Errorf("phase %s = %s, want terminal", phase, s)
		}
	}

	if got.Counters.KeywordsProcessed == 0 || got.Counters.SERPResults == 0 ||
		got.Counters.PagesScraped == 0 || got.Counters.PagesAnalyzed == 0 ||
		got.Counters.CompaniesEnriched == 0 {
		t.Errorf("counters not populated: %+v", got.Counters)
	}

	scores, err := d.Store.ListDSIScores(ctx, run.ID, serp.ContentOrganic)
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 2 {
		t.Fatalf("got %d organic company scores, want 2", len(scores))
	}
	if scores[0].Domain != "acme.com" || scores[0].Rank != 1 {
		t.Errorf("top company = %s rank %d", scores[0].Domain, scores[0].Rank)
	}
	if scores[0].CompanyName != "Co acme.com" {
		t.Errorf("company name = %q, want enriched profile name", scores[0].CompanyName)
	}

	pages, err := d.Store.ListPageDSIScores(ctx, run.ID, serp.ContentOrganic)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) == 0 {
		t.Error("no page scores")
	}
}

func TestExecuteIsIdempotentOnCompletedRun(t *testing.T) {
	d, f := newEnv(t, nil)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	before := f.search.searches
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	if f.search.searches != before {
		t.Errorf("completed run re-ran searches: %d -> %d", before, f.search.searches)
	}
}

func TestScrapingReusesEarlierRuns(t *testing.T) {
	d, _ := newEnv(t, nil)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	ctx := context.Background()

	first := startRun(t, o, "acme")
	if err := o.Execute(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	second := startRun(t, o, "acme")
	if err := o.Execute(ctx, second.ID); err != nil {
		t.Fatal(err)
	}

	got, err := d.Store.GetPipelineRun(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	var result scrapingResult
	if err := json.Unmarshal(got.PhaseResults[store.PhaseContentScraping], &result); err != nil {
		t.Fatalf("no scraping result on second run: %v", err)
	}
	if result.Scraped != 0 || result.Reused == 0 {
		t.Errorf("second run scraped=%d reused=%d, want all URLs reused", result.Scraped, result.Reused)
	}
}

func TestNonCriticalVideoFailureAutoSkips(t *testing.T) {
	d, f := newEnv(t, nil)
	f.video.fail = true
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := d.Store.GetPipelineRun(ctx, run.ID)
	if got.Status != store.RunCompleted {
		t.Fatalf("run status = %s, want completed despite video failure", got.Status)
	}
	if s := phaseStatus(t, d, run.ID, store.PhaseVideoEnrichment); s != store.PhaseSkipped {
		t.Errorf("video phase = %s, want skipped", s)
	}

	events, _ := d.Store.ListEvents(ctx, run.ID)
	found := false
	for _, e := range events {
		if e.Kind == "phase_auto_skipped" && e.Message == store.PhaseVideoEnrichment {
			found = true
		}
	}
	if !found {
		t.Error("no phase_auto_skipped event recorded")
	}
}

func TestDisabledPhasesAreSkipped(t *testing.T) {
	d, _ := newEnv(t, func(cfg *config.Config) {
		cfg.Run.EnabledPhases = map[string]bool{
			store.PhaseContentAnalysis:   false,
			store.PhaseVideoEnrichment:   false,
			store.PhaseYouTubeEnrichment: false,
		}
	})
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := d.Store.GetPipelineRun(ctx, run.ID)
	if got.Status != store.RunCompleted {
		t.Fatalf("run status = %s", got.Status)
	}
	for _, phase := range []string{store.PhaseContentAnalysis, store.PhaseVideoEnrichment, store.PhaseYouTubeEnrichment} {
		if s := phaseStatus(t, d, run.ID, phase); s != store.PhaseSkipped {
			t.Errorf("phase %s = %s, want skipped", phase, s)
		}
	}
	// DSI still ran over the un-analyzed results.
	if s := phaseStatus(t, d, run.ID, store.PhaseDSICalculation); s != store.PhaseCompleted {
		t.Errorf("dsi phase = %s, want completed", s)
	}
}

func TestVideoQuotaExhaustionYieldsBlocked(t *testing.T) {
	d, _ := newEnv(t, func(cfg *config.Config) {
		cfg.Quota.DailyLimits = map[string]int{"video": 1}
		cfg.Run.BatchSizes = map[string]int{store.PhaseVideoEnrichment: 1}
	})
	seedKeywords(t, d, "acme", "crm software", "sales automation")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	// Two distinct videos, budget for one call of one id: the phase must
	// yield blocked with the reset time recorded, and the run stays running.
	got, _ := d.Store.GetPipelineRun(ctx, run.ID)
	if got.Status != store.RunRunning {
		t.Fatalf("run status = %s, want running while yielded", got.Status)
	}
	row, err := d.Store.GetPhase(ctx, run.ID, store.PhaseVideoEnrichment)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != store.PhaseBlocked {
		t.Fatalf("video phase = %s, want blocked", row.Status)
	}

	var bp blockedPayload
	if err := json.Unmarshal([]byte(row.Result), &bp); err != nil {
		t.Fatalf("blocked payload: %v (%q)", err, row.Result)
	}
	if bp.ResumeAt == nil || !bp.ResumeAt.After(time.Now()) {
		t.Errorf("resume_at = %v, want future quota reset", bp.ResumeAt)
	}

	// The DSI chain behind the blocked phase must still be pending.
	if s := phaseStatus(t, d, run.ID, store.PhaseDSICalculation); s != store.PhasePending {
		t.Errorf("dsi phase = %s, want pending behind blocked video", s)
	}
}

func TestWatchdogUnblocksDuePhase(t *testing.T) {
	d, _ := newEnv(t, func(cfg *config.Config) {
		cfg.Quota.DailyLimits = map[string]int{"video": 1}
		cfg.Run.BatchSizes = map[string]int{store.PhaseVideoEnrichment: 1}
	})
	seedKeywords(t, d, "acme", "crm software", "sales automation")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	if s := phaseStatus(t, d, run.ID, store.PhaseVideoEnrichment); s != store.PhaseBlocked {
		t.Fatalf("video phase = %s, want blocked", s)
	}

	// Backdate the recorded resume time so the sweep sees it as due.
	past := time.Now().UTC().Add(-time.Minute)
	payload, _ := json.Marshal(blockedPayload{Reason: "video quota exhausted", ResumeAt: &past})
	if err := d.Store.SetPhaseResultPayload(ctx, run.ID, store.PhaseVideoEnrichment, string(payload)); err != nil {
		t.Fatal(err)
	}

	w := NewWatchdog(d, o, nil)
	w.Sweep(ctx)

	waitFor(t, 5*time.Second, "phase to leave blocked", func() bool {
		return phaseStatus(t, d, run.ID, store.PhaseVideoEnrichment) != store.PhaseBlocked
	})
}

func TestResumeAfterCriticalFailure(t *testing.T) {
	d, f := newEnv(t, nil)
	f.company.setFail(true)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := d.Store.GetPipelineRun(ctx, run.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
	if s := phaseStatus(t, d, run.ID, store.PhaseCompanyEnrichment); s != store.PhaseFailed {
		t.Fatalf("enrichment phase = %s, want failed", s)
	}
	if len(got.Errors) == 0 {
		t.Error("run carries no error messages")
	}

	// Provider recovers; resume retries only the non-terminal phases.
	f.company.setFail(false)
	if err := o.Resume(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, "run to complete after resume", func() bool {
		cur, err := d.Store.GetPipelineRun(ctx, run.ID)
		return err == nil && cur.Status == store.RunCompleted
	})

	// The serp phase completed before the failure and must not have re-run.
	row, _ := d.Store.GetPhase(ctx, run.ID, store.PhaseSERPCollection)
	if row.Attempts != 1 {
		t.Errorf("serp attempts = %d, want 1 (no re-run)", row.Attempts)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	d, _ := newEnv(t, nil)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := o.Cancel(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := d.Store.GetPipelineRun(ctx, run.ID)
	if got.Status != store.RunCancelled {
		t.Fatalf("run status = %s", got.Status)
	}
	if err := o.Resume(ctx, run.ID); !errors.Is(err, store.ErrPrecondition) {
		t.Errorf("resume of cancelled run: err = %v, want precondition", err)
	}
	if err := o.Execute(ctx, run.ID); err != nil {
		t.Errorf("execute of cancelled run should be a no-op, got %v", err)
	}
}

func TestForceCompletePhaseThreshold(t *testing.T) {
	d, _ := newEnv(t, nil)
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	phase := store.PhaseContentScraping

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, string(rune('a'+i)))
	}
	if err := d.Store.EnqueueWorkItems(ctx, run.ID, phase, "url", ids); err != nil {
		t.Fatal(err)
	}
	claimed, _ := d.Store.ClaimWorkItems(ctx, run.ID, phase, 10)
	for i, id := range claimed {
		if i < 8 {
			d.Store.CompleteWorkItem(ctx, run.ID, phase, id)
		} else {
			d.Store.RequeueWorkItem(ctx, run.ID, phase, id)
		}
	}

	// 80% complete is below the 90% scraping floor.
	if err := o.ForceCompletePhase(ctx, run.ID, phase); err == nil {
		t.Fatal("force-complete below threshold should fail")
	}

	d.Store.CompleteWorkItem(ctx, run.ID, phase, claimed[8])
	if err := o.ForceCompletePhase(ctx, run.ID, phase); err != nil {
		t.Fatalf("force-complete at 90%%: %v", err)
	}
	if s := phaseStatus(t, d, run.ID, phase); s != store.PhaseCompleted {
		t.Errorf("phase = %s, want completed", s)
	}
}

func TestSchedulerRecoverResetsStrandedWork(t *testing.T) {
	d, _ := newEnv(t, nil)
	seedKeywords(t, d, "acme", "crm software")
	o := NewOrchestrator(d)
	ctx := context.Background()

	run := startRun(t, o, "acme")
	if err := d.Store.UpdateRunStatus(ctx, run.ID, store.RunRunning); err != nil {
		t.Fatal(err)
	}
	// Simulate a dead process: a phase claimed long ago, items stuck in
	// processing.
	if err := d.Store.TransitionPhase(ctx, run.ID, store.PhaseKeywordMetrics,
		[]store.PhaseStatus{store.PhasePending}, store.PhaseRunning, ""); err != nil {
		t.Fatal(err)
	}
	d.Store.EnqueueWorkItems(ctx, run.ID, store.PhaseKeywordMetrics, "keyword", []string{"kw-1"})
	d.Store.ClaimWorkItems(ctx, run.ID, store.PhaseKeywordMetrics, 1)
	backdate := time.Now().UTC().Add(-time.Hour)
	if _, err := d.Store.DB().Exec(
		`UPDATE phase_statuses SET updated_at = ? WHERE run_id = ?`, backdate, run.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Store.DB().Exec(
		`UPDATE work_items SET updated_at = ? WHERE run_id = ?`, backdate, run.ID); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(d, o)
	if err := s.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 10*time.Second, "recovered run to complete", func() bool {
		cur, err := d.Store.GetPipelineRun(ctx, run.ID)
		return err == nil && cur.Status == store.RunCompleted
	})
	// Each item accounted for exactly once: nothing left queued/processing.
	counts, _ := d.Store.WorkItemCounts(ctx, run.ID, store.PhaseKeywordMetrics)
	if counts.Queued != 0 || counts.Processing != 0 {
		t.Errorf("stranded items remain: %+v", counts)
	}
}
