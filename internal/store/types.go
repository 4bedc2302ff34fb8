package store

import (
	"encoding/json"
	"time"

	"landscape/internal/serp"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// PhaseStatus is the lifecycle state of one phase within a run.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
	// PhaseBlocked marks a phase waiting on an external condition, e.g. a
	// quota reset. The watchdog unblocks it.
	PhaseBlocked PhaseStatus = "blocked"
)

// Terminal reports whether the phase needs no further work.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseCompleted || s == PhaseSkipped
}

// ItemStatus is the lifecycle state of a fan-out work item.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Phase names. PhaseOrder fixes the canonical listing order.
const (
	PhaseKeywordMetrics    = "keyword_metrics"
	PhaseSERPCollection    = "serp_collection"
	PhaseCompanyEnrichment = "company_enrichment_serp"
	PhaseVideoEnrichment   = "video_enrichment"
	PhaseContentScraping   = "content_scraping"
	PhaseContentAnalysis   = "content_analysis"
	PhaseYouTubeEnrichment = "company_enrichment_youtube"
	PhaseDSICalculation    = "dsi_calculation"
)

// PhaseOrder lists all phases in dependency-respecting order.
var PhaseOrder = []string{
	PhaseKeywordMetrics,
	PhaseSERPCollection,
	PhaseCompanyEnrichment,
	PhaseVideoEnrichment,
	PhaseContentScraping,
	PhaseContentAnalysis,
	PhaseYouTubeEnrichment,
	PhaseDSICalculation,
}

// Counters aggregates run-level progress numbers.
type Counters struct {
	KeywordsProcessed int `json:"keywords_processed"`
	SERPResults       int `json:"serp_results"`
	PagesScraped      int `json:"pages_scraped"`
	PagesAnalyzed     int `json:"pages_analyzed"`
	CompaniesEnriched int `json:"companies_enriched"`
}

// PipelineRun is a single execution of the pipeline.
type PipelineRun struct {
	ID          string
	Project     string
	PeriodDate  string // YYYY-MM-DD
	Mode        string
	Status      RunStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	// Config is the JSON snapshot of the effective RunConfig.
	Config   string
	Counters Counters
	// PhaseResults maps phase name to its typed result payload.
	PhaseResults map[string]json.RawMessage
	Errors       []string
}

// PhaseStatusRow is the durable status of one phase in one run.
type PhaseStatusRow struct {
	RunID       string
	Phase       string
	Status      PhaseStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Attempts    int
	Result      string // JSON payload
	LastError   string
	UpdatedAt   time.Time
}

// WorkItem is one fan-out unit (URL, domain, video) within a phase.
type WorkItem struct {
	RunID     string
	Phase     string
	Kind      string
	ItemID    string
	Status    ItemStatus
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// ItemCounts is the per-status breakdown for a (run, phase).
type ItemCounts struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the sum over all statuses.
func (c ItemCounts) Total() int {
	return c.Queued + c.Processing + c.Completed + c.Failed
}

// BatchExpectation records that a SERP batch is anticipated (and possibly
// received) for (project, period-date, content-type).
type BatchExpectation struct {
	Project       string
	PeriodDate    string
	ContentType   serp.ContentType
	Expected      bool
	Received      bool
	ReceivedAt    *time.Time
	BatchID       string
	ResultSetID   int
	DownloadLinks string // JSON map
}

// CoordinatorLock guarantees exactly-one pipeline start per (project, day).
type CoordinatorLock struct {
	Project    string
	PeriodDate string
	RunID      string
	CreatedAt  time.Time
}

// SERPResult is one ranked result row belonging to a run.
type SERPResult struct {
	RunID            string
	KeywordID        string
	Type             serp.ContentType
	Position         int
	URL              string
	Domain           string
	Title            string
	Snippet          string
	EstimatedTraffic float64
}

// ScrapedContent is the extraction result for one URL in one run.
type ScrapedContent struct {
	RunID       string
	URL         string
	Status      string // completed, failed
	FinalURL    string
	ContentType string // html, pdf, doc
	Title       string
	Body        string
	WordCount   int
	Engine      string
	PageCount   int
	TableCount  int
	ScrapedAt   time.Time
}

// ContentAnalysis is the LLM analysis of one scraped page.
type ContentAnalysis struct {
	RunID          string
	URL            string
	Summary        string
	PrimaryPersona string
	// PersonaScores maps persona name to alignment score in [0,1].
	PersonaScores  map[string]float64
	JourneyPhase   string
	JourneyScore   float64
	Classification string
	SourceType     string
	Mentions       []string
	Sentiment      string
	// DimensionScores maps client-configured custom dimensions to [0,1].
	DimensionScores map[string]float64
	AnalyzedAt      time.Time
}

// CompanyProfile is keyed by normalized root domain. Found=false marks a
// domain the company provider could not resolve; the marker prevents
// re-enrichment inside the profile TTL.
type CompanyProfile struct {
	Domain       string
	Name         string
	Industry     string
	Size         string
	Technologies []string
	ParentDomain string
	SourceType   string
	Found        bool
	EnrichedAt   time.Time
}

// KeywordMetric is one append-only historical metric snapshot.
type KeywordMetric struct {
	SnapshotDate       string // YYYY-MM-DD
	KeywordID          string
	Country            string
	Source             string
	AvgMonthlySearches int64
	Competition        string
	BidLow             float64
	BidHigh            float64
	NoData             bool
}

// VideoSnapshot is the metadata captured for one video in one run.
type VideoSnapshot struct {
	RunID           string
	VideoID         string
	ChannelID       string
	ChannelTitle    string
	Title           string
	Views           int64
	Likes           int64
	Comments        int64
	DurationSeconds int64
	FetchedAt       time.Time
}

// Channel→company mapping source types.
const (
	ChannelSourceNoDomain  = "NO_DOMAIN_FOUND"
	ChannelSourceExtracted = "LLM_EXTRACTED"
	ChannelSourceError     = "EXTRACTION_ERROR"
)

// ChannelCompany maps a video channel to a company domain. An empty domain
// with SourceType NO_DOMAIN_FOUND is a valid terminal mapping.
type ChannelCompany struct {
	ChannelID  string
	Domain     string
	SourceType string
	Attempts   int
	UpdatedAt  time.Time
}

// BreakerState checkpoints one circuit breaker.
type BreakerState struct {
	Service             string
	State               string // closed, half-open, open
	ConsecutiveFailures int
	LastFailureAt       *time.Time
	OpenUntil           *time.Time
	CoolDownSeconds     int
}

// QuotaCounter mirrors one service's daily usage.
type QuotaCounter struct {
	Service   string
	Date      string // YYYY-MM-DD in the service's reset zone
	Units     int
	Breakdown map[string]int
}

// Event is one row of the append-only pipeline event log.
type Event struct {
	ID        int64
	RunID     string
	Kind      string
	Message   string
	Data      string // JSON
	CreatedAt time.Time
}

// Keyword is one tracked keyword.
type Keyword struct {
	ID        string
	Project   string
	Landscape string
	Text      string
	Active    bool
}

// DSIScore is one company's score for a content type within a run.
type DSIScore struct {
	RunID           string
	ContentType     serp.ContentType
	Domain          string
	CompanyName     string
	KeywordCoverage float64
	TrafficShare    float64
	Relevance       float64
	MarketPresence  float64
	PositionScore   float64
	DSI             float64
	Rank            int
	MarketPosition  string
}

// PageDSIScore is one page's score within a run.
type PageDSIScore struct {
	RunID       string
	ContentType serp.ContentType
	URL         string
	Domain      string
	DSI         float64
}
