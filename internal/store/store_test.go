package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"landscape/internal/serp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "landscape.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateRun(t *testing.T, s *Store, id string) {
	t.Helper()
	run := &PipelineRun{ID: id, Project: "acme", PeriodDate: "2026-08-24", Mode: "initial"}
	if err := s.CreatePipelineRun(context.Background(), run, PhaseOrder); err != nil {
		t.Fatalf("CreatePipelineRun: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	got, err := s.GetPipelineRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if got.Status != RunPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	if err := s.UpdateRunStatus(ctx, "run-1", RunRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, "run-1", RunCompleted); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	// Terminal statuses are immutable.
	err = s.UpdateRunStatus(ctx, "run-1", RunFailed)
	if !errors.Is(err, ErrPrecondition) {
		t.Errorf("terminal overwrite: err = %v, want ErrPrecondition", err)
	}

	got, err = s.GetPipelineRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("started_at / completed_at not recorded")
	}
}

func TestGetPipelineRunNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetPipelineRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPhaseTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	phases, err := s.ListPhases(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListPhases: %v", err)
	}
	if len(phases) != len(PhaseOrder) {
		t.Fatalf("got %d phase rows, want %d", len(phases), len(PhaseOrder))
	}

	from := []PhaseStatus{PhasePending}
	if err := s.TransitionPhase(ctx, "run-1", PhaseSERPCollection, from, PhaseRunning, ""); err != nil {
		t.Fatalf("pending→running: %v", err)
	}

	// Second claimer loses the race.
	err = s.TransitionPhase(ctx, "run-1", PhaseSERPCollection, from, PhaseRunning, "")
	if !errors.Is(err, ErrPrecondition) {
		t.Errorf("double claim: err = %v, want ErrPrecondition", err)
	}

	if err := s.TransitionPhase(ctx, "run-1", PhaseSERPCollection,
		[]PhaseStatus{PhaseRunning}, PhaseCompleted, ""); err != nil {
		t.Fatalf("running→completed: %v", err)
	}

	// Completed is never a legal source.
	err = s.TransitionPhase(ctx, "run-1", PhaseSERPCollection,
		[]PhaseStatus{PhaseCompleted}, PhaseRunning, "")
	if err == nil {
		t.Error("transition out of completed should be rejected")
	}

	p, err := s.GetPhase(ctx, "run-1", PhaseSERPCollection)
	if err != nil {
		t.Fatalf("GetPhase: %v", err)
	}
	if p.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", p.Attempts)
	}
	if p.StartedAt == nil || p.CompletedAt == nil {
		t.Error("phase timestamps not recorded")
	}
}

func TestPhaseBlockedCarriesReason(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	if err := s.TransitionPhase(ctx, "run-1", PhaseVideoEnrichment,
		[]PhaseStatus{PhasePending}, PhaseRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionPhase(ctx, "run-1", PhaseVideoEnrichment,
		[]PhaseStatus{PhaseRunning}, PhaseBlocked, "video quota exhausted"); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetPhase(ctx, "run-1", PhaseVideoEnrichment)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != PhaseBlocked || p.LastError != "video quota exhausted" {
		t.Errorf("got %s/%q", p.Status, p.LastError)
	}
}

func TestWorkItemClaimIsExclusive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	ids := []string{"a", "b", "c", "d", "e"}
	if err := s.EnqueueWorkItems(ctx, "run-1", PhaseContentScraping, "url", ids); err != nil {
		t.Fatalf("EnqueueWorkItems: %v", err)
	}
	// Re-enqueue is idempotent.
	if err := s.EnqueueWorkItems(ctx, "run-1", PhaseContentScraping, "url", ids); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	first, err := s.ClaimWorkItems(ctx, "run-1", PhaseContentScraping, 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	second, err := s.ClaimWorkItems(ctx, "run-1", PhaseContentScraping, 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first)+len(second) != 5 {
		t.Fatalf("claimed %d + %d items, want 5 total", len(first), len(second))
	}
	seen := map[string]bool{}
	for _, id := range append(first, second...) {
		if seen[id] {
			t.Errorf("item %s claimed twice", id)
		}
		seen[id] = true
	}

	if err := s.CompleteWorkItem(ctx, "run-1", PhaseContentScraping, first[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.FailWorkItem(ctx, "run-1", PhaseContentScraping, first[1], "boom"); err != nil {
		t.Fatal(err)
	}

	counts, err := s.WorkItemCounts(ctx, "run-1", PhaseContentScraping)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Completed != 1 || counts.Failed != 1 || counts.Total() != 5 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestResetStaleWorkItems(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	if err := s.EnqueueWorkItems(ctx, "run-1", PhaseContentScraping, "url", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimWorkItems(ctx, "run-1", PhaseContentScraping, 2); err != nil {
		t.Fatal(err)
	}

	// Zero grace makes everything processing stale.
	time.Sleep(5 * time.Millisecond)
	n, err := s.ResetStaleWorkItems(ctx, "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("reset %d items, want 2", n)
	}
	counts, err := s.WorkItemCounts(ctx, "run-1", PhaseContentScraping)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Queued != 2 {
		t.Errorf("queued = %d, want 2", counts.Queued)
	}
}

func TestCoordinatorLockSingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	won, err := s.AcquireCoordinatorLock(ctx, "acme", "2026-08-24", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Fatal("first acquire should win")
	}
	won, err = s.AcquireCoordinatorLock(ctx, "acme", "2026-08-24", "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Error("second acquire should lose")
	}

	lock, err := s.GetCoordinatorLock(ctx, "acme", "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if lock.RunID != "run-1" {
		t.Errorf("lock held by %s, want run-1", lock.RunID)
	}

	// A different day is a separate lock.
	won, err = s.AcquireCoordinatorLock(ctx, "acme", "2026-08-25", "run-3")
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Error("new day should acquire")
	}
}

func TestInsertSERPResultsLastWriteWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	first := []SERPResult{{
		RunID: "run-1", KeywordID: "kw-1", Type: serp.ContentOrganic,
		Position: 1, URL: "https://old.example.com/a", Domain: "example.com",
	}}
	if err := s.InsertSERPResults(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := []SERPResult{{
		RunID: "run-1", KeywordID: "kw-1", Type: serp.ContentOrganic,
		Position: 1, URL: "https://new.example.com/b", Domain: "example.com",
	}}
	if err := s.InsertSERPResults(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListSERPResults(ctx, "run-1", serp.ContentOrganic)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].URL != "https://new.example.com/b" {
		t.Errorf("got %+v, want single superseding row", got)
	}

	// The superseded URL is preserved in the event log.
	events, err := s.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range events {
		if e.Kind == "serp_position_superseded" {
			found = true
		}
	}
	if !found {
		t.Error("supersede event not logged")
	}
}

func TestDistinctDomainsAndURLs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	results := []SERPResult{
		{RunID: "run-1", KeywordID: "kw-1", Type: serp.ContentOrganic, Position: 1, URL: "https://a.com/1", Domain: "a.com"},
		{RunID: "run-1", KeywordID: "kw-1", Type: serp.ContentNews, Position: 1, URL: "https://b.com/1", Domain: "b.com"},
		{RunID: "run-1", KeywordID: "kw-2", Type: serp.ContentOrganic, Position: 1, URL: "https://a.com/1", Domain: "a.com"},
		{RunID: "run-1", KeywordID: "kw-1", Type: serp.ContentVideo, Position: 1, URL: "https://youtube.com/watch?v=x", Domain: "youtube.com"},
	}
	if err := s.InsertSERPResults(ctx, results); err != nil {
		t.Fatal(err)
	}

	domains, err := s.DistinctDomains(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(domains) != 3 {
		t.Errorf("domains = %v, want 3 distinct", domains)
	}

	pages, err := s.PageURLs(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Errorf("page urls = %v, want 2 (video excluded, dup collapsed)", pages)
	}
	videos, err := s.VideoURLs(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(videos) != 1 {
		t.Errorf("video urls = %v, want 1", videos)
	}
}

func TestCompanyProfileTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-48 * time.Hour)
	if err := s.UpsertCompanyProfile(ctx, &CompanyProfile{
		Domain: "a.com", Name: "A Corp", Found: true, EnrichedAt: stale,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.FreshCompanyProfile(ctx, "a.com", 24*time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale profile: err = %v, want ErrNotFound", err)
	}
	p, err := s.FreshCompanyProfile(ctx, "a.com", 72*time.Hour)
	if err != nil {
		t.Fatalf("fresh profile: %v", err)
	}
	if p.Name != "A Corp" {
		t.Errorf("name = %s", p.Name)
	}

	// A not-found marker is stored and honored like any profile.
	if err := s.UpsertCompanyProfile(ctx, &CompanyProfile{Domain: "b.com", Found: false}); err != nil {
		t.Fatal(err)
	}
	p, err = s.FreshCompanyProfile(ctx, "b.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if p.Found {
		t.Error("marker row should keep Found=false")
	}
}

func TestChannelsMissingCompany(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	snaps := []VideoSnapshot{
		{RunID: "run-1", VideoID: "v1", ChannelID: "ch-mapped"},
		{RunID: "run-1", VideoID: "v2", ChannelID: "ch-new"},
		{RunID: "run-1", VideoID: "v3", ChannelID: "ch-error"},
		{RunID: "run-1", VideoID: "v4", ChannelID: "ch-nodomain"},
		{RunID: "run-1", VideoID: "v5", ChannelID: ""},
	}
	if err := s.UpsertVideoSnapshots(ctx, snaps); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertChannelCompany(ctx, &ChannelCompany{
		ChannelID: "ch-mapped", Domain: "a.com", SourceType: ChannelSourceExtracted,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertChannelCompany(ctx, &ChannelCompany{
		ChannelID: "ch-error", SourceType: ChannelSourceError, Attempts: 1,
	}); err != nil {
		t.Fatal(err)
	}
	// NO_DOMAIN_FOUND is a terminal mapping, never retried.
	if err := s.UpsertChannelCompany(ctx, &ChannelCompany{
		ChannelID: "ch-nodomain", SourceType: ChannelSourceNoDomain,
	}); err != nil {
		t.Fatal(err)
	}

	missing, err := s.ChannelsMissingCompany(ctx, "run-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"ch-new": true, "ch-error": true}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want ch-new and ch-error", missing)
	}
	for _, id := range missing {
		if !want[id] {
			t.Errorf("unexpected channel %s", id)
		}
	}

	// Exhausted error mappings stop retrying.
	missing, err = s.ChannelsMissingCompany(ctx, "run-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != "ch-new" {
		t.Errorf("missing = %v, want only ch-new", missing)
	}
}

func TestQuotaCounterAccumulates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	total, err := s.AddQuotaUnits(ctx, "video", "2026-08-24", "videos.list", 1)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
	total, err = s.AddQuotaUnits(ctx, "video", "2026-08-24", "channels.list", 5)
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 {
		t.Errorf("total = %d, want 6", total)
	}

	q, err := s.GetQuotaCounter(ctx, "video", "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if q.Breakdown["videos.list"] != 1 || q.Breakdown["channels.list"] != 5 {
		t.Errorf("breakdown = %v", q.Breakdown)
	}

	// A new date starts from zero.
	total, err = s.AddQuotaUnits(ctx, "video", "2026-08-25", "videos.list", 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
}

func TestBreakerStateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	if err := s.SaveBreakerState(ctx, &BreakerState{
		Service: "scraper", State: "open", ConsecutiveFailures: 7,
		OpenUntil: &until, CoolDownSeconds: 240,
	}); err != nil {
		t.Fatal(err)
	}

	states, err := s.LoadBreakerStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b := states["scraper"]
	if b == nil {
		t.Fatal("scraper state missing")
	}
	if b.State != "open" || b.ConsecutiveFailures != 7 || b.CoolDownSeconds != 240 {
		t.Errorf("got %+v", b)
	}
	if b.OpenUntil == nil || !b.OpenUntil.Equal(until) {
		t.Errorf("open_until = %v, want %v", b.OpenUntil, until)
	}
}

func TestBatchExpectationDuplicateWebhook(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RecordExpectation(ctx, "acme", "2026-08-24", serp.ContentOrganic); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkExpectationReceived(ctx, "acme", "2026-08-24", serp.ContentOrganic,
		"batch-1", 10, "{}"); err != nil {
		t.Fatal(err)
	}

	exps, err := s.ListExpectations(ctx, "acme", "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if len(exps) != 1 || !exps[0].Received {
		t.Fatalf("exps = %+v", exps)
	}
	firstAt := exps[0].ReceivedAt

	// Duplicate webhook: batch id updates, received_at does not move.
	time.Sleep(5 * time.Millisecond)
	if err := s.MarkExpectationReceived(ctx, "acme", "2026-08-24", serp.ContentOrganic,
		"batch-1-retry", 11, "{}"); err != nil {
		t.Fatal(err)
	}
	exps, err = s.ListExpectations(ctx, "acme", "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if exps[0].BatchID != "batch-1-retry" {
		t.Errorf("batch id = %s", exps[0].BatchID)
	}
	if !exps[0].ReceivedAt.Equal(*firstAt) {
		t.Errorf("received_at moved on duplicate: %v vs %v", exps[0].ReceivedAt, firstAt)
	}
}

func TestLatestScrapedContentCrossRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	if err := s.UpsertScrapedContent(ctx, &ScrapedContent{
		RunID: "run-1", URL: "https://a.com/x", Status: "completed",
		Body: "old body", WordCount: 2, ScrapedAt: old,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertScrapedContent(ctx, &ScrapedContent{
		RunID: "run-2", URL: "https://a.com/x", Status: "completed",
		Body: "new body", WordCount: 2,
	}); err != nil {
		t.Fatal(err)
	}
	// Failures never satisfy the dedup lookup.
	if err := s.UpsertScrapedContent(ctx, &ScrapedContent{
		RunID: "run-3", URL: "https://a.com/y", Status: "failed",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LatestScrapedContent(ctx, "https://a.com/x")
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != "run-2" {
		t.Errorf("latest from run %s, want run-2", got.RunID)
	}
	if _, err := s.LatestScrapedContent(ctx, "https://a.com/y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed-only url: err = %v, want ErrNotFound", err)
	}
}

func TestDSIScoresReplace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	first := []DSIScore{
		{Domain: "a.com", DSI: 40, Rank: 1, MarketPosition: "leader"},
		{Domain: "b.com", DSI: 10, Rank: 2, MarketPosition: "competitor"},
	}
	if err := s.ReplaceDSIScores(ctx, "run-1", serp.ContentOrganic, first); err != nil {
		t.Fatal(err)
	}
	second := []DSIScore{
		{Domain: "c.com", DSI: 55, Rank: 1, MarketPosition: "leader"},
	}
	if err := s.ReplaceDSIScores(ctx, "run-1", serp.ContentOrganic, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListDSIScores(ctx, "run-1", serp.ContentOrganic)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Domain != "c.com" {
		t.Errorf("got %+v, want replacement to clear prior rows", got)
	}
}

func TestLatestKeywordMetric(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	metrics := []KeywordMetric{
		{SnapshotDate: "2026-07-01", KeywordID: "kw-1", Country: "US", Source: "ads", AvgMonthlySearches: 100},
		{SnapshotDate: "2026-08-01", KeywordID: "kw-1", Country: "US", Source: "ads", AvgMonthlySearches: 250},
		{SnapshotDate: "2026-08-01", KeywordID: "kw-2", Country: "US", Source: "ads", NoData: true},
	}
	if err := s.InsertKeywordMetrics(ctx, metrics); err != nil {
		t.Fatal(err)
	}

	m, err := s.LatestKeywordMetric(ctx, "kw-1", "US")
	if err != nil {
		t.Fatal(err)
	}
	if m.SnapshotDate != "2026-08-01" || m.AvgMonthlySearches != 250 {
		t.Errorf("got %+v, want the newest snapshot", m)
	}

	vols, err := s.LatestSearchVolumes(ctx, []string{"kw-1", "kw-2"})
	if err != nil {
		t.Fatal(err)
	}
	if vols["kw-1"] != 250 {
		t.Errorf("kw-1 volume = %d, want 250", vols["kw-1"])
	}
	if vols["kw-2"] != 0 {
		t.Errorf("kw-2 volume = %d, want 0 for no-data", vols["kw-2"])
	}
}
