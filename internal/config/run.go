package config

// Phase name keys shared with the store and orchestrator. Kept as plain
// strings here so the config layer stays import-free.
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

// Run modes.
const (
	ModeInitial     = "initial"
	ModeIncremental = "incremental"
)

// RunConfig is the configuration snapshot attached to a pipeline run.
// It is persisted as JSON on the run row, so every field carries json tags.
type RunConfig struct {
	Project    string `json:"project" yaml:"project"`
	PeriodDate string `json:"period_date,omitempty" yaml:"period_date,omitempty"` // YYYY-MM-DD
	Mode       string `json:"mode" yaml:"mode"`

	// Subset of {organic, news, video}.
	ContentTypes []string `json:"content_types" yaml:"content_types"`
	// ISO-like country codes.
	Regions []string `json:"regions" yaml:"regions"`
	// Tracked keyword ids; empty means all active keywords for the project.
	KeywordIDs []string `json:"keyword_ids,omitempty" yaml:"keyword_ids,omitempty"`

	// enable_<phase>; a phase absent from the map is enabled.
	EnabledPhases map[string]bool `json:"enabled_phases,omitempty" yaml:"enabled_phases,omitempty"`

	// SERP collection mode: true creates provider batches completed via
	// webhook, false paginates in-process. Pointer so a per-request false
	// can override a true default; nil means "not set here".
	BatchMode *bool `json:"batch_mode,omitempty" yaml:"batch_mode,omitempty"`
	// Webhook-received batches start the pipeline through the coordinator.
	WebhookStartsPipeline *bool `json:"webhook_starts_pipeline,omitempty" yaml:"webhook_starts_pipeline,omitempty"`
	// Grace window after the first received batch before starting without
	// the missing content types.
	SerpCoordinatorCutoffMinutes int `json:"serp_coordinator_cutoff_minutes" yaml:"serp_coordinator_cutoff_minutes"`

	// batch_size_<phase>
	BatchSizes map[string]int `json:"batch_sizes,omitempty" yaml:"batch_sizes,omitempty"`
	// concurrency_<phase>
	Concurrency map[string]int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	// timeout_<phase>_minutes
	TimeoutMinutes map[string]int `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`

	// Phases runnable in parallel at once.
	GlobalFanOut int `json:"global_fan_out" yaml:"global_fan_out"`

	// Organic DSI switches to the weighted-sum formula when set.
	DSISimpleOrganic *bool `json:"dsi_simple_organic,omitempty" yaml:"dsi_simple_organic,omitempty"`

	// Company profiles fresher than this many hours are not re-enriched.
	CompanyProfileTTLHours int `json:"company_profile_ttl_hours" yaml:"company_profile_ttl_hours"`

	// Client-specific content-analysis dimensions.
	Analysis AnalysisConfig `json:"analysis,omitempty" yaml:"analysis,omitempty"`
}

// AnalysisConfig shapes the content-analysis prompt for a client: the buyer
// personas content is scored against, the buyer-journey phase labels, and
// any extra client-defined dimensions scored alongside them.
type AnalysisConfig struct {
	Personas []string `json:"personas,omitempty" yaml:"personas,omitempty"`
	// Buyer-journey (JTBD) phase labels, in funnel order.
	JourneyPhases []string `json:"journey_phases,omitempty" yaml:"journey_phases,omitempty"`
	// Extra dimensions scored 0-1 per page, e.g. "pricing transparency".
	CustomDimensions []string `json:"custom_dimensions,omitempty" yaml:"custom_dimensions,omitempty"`
}

// DefaultRunConfig returns the per-run defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Mode:                         ModeInitial,
		ContentTypes:                 []string{"organic", "news", "video"},
		Regions:                      []string{"US"},
		SerpCoordinatorCutoffMinutes: 15,
		GlobalFanOut:                 3,
		CompanyProfileTTLHours:       24 * 30,
		BatchSizes: map[string]int{
			PhaseVideoEnrichment: 50,
			PhaseSERPCollection:  100,
		},
		Concurrency: map[string]int{
			PhaseContentScraping:   50,
			PhaseContentAnalysis:   10,
			PhaseCompanyEnrichment: 10,
			PhaseKeywordMetrics:    5,
			PhaseSERPCollection:    3,
		},
		TimeoutMinutes: map[string]int{
			PhaseKeywordMetrics:    30,
			PhaseSERPCollection:    120,
			PhaseCompanyEnrichment: 60,
			PhaseVideoEnrichment:   60,
			PhaseContentScraping:   180,
			PhaseContentAnalysis:   240,
			PhaseYouTubeEnrichment: 60,
			PhaseDSICalculation:    30,
		},
		Analysis: AnalysisConfig{
			Personas: []string{
				"technical evaluator",
				"business decision maker",
				"end user",
			},
			JourneyPhases: []string{
				"problem-identification",
				"solution-exploration",
				"requirements-building",
				"supplier-selection",
				"validation",
				"consensus-creation",
			},
		},
	}
}

// Bool returns a pointer to v, for setting the optional boolean fields.
func Bool(v bool) *bool {
	return &v
}

// BatchModeEnabled reports the SERP collection mode. Unset means batch
// (webhook-completed provider batches); false switches to in-process
// pagination.
func (rc RunConfig) BatchModeEnabled() bool {
	if rc.BatchMode == nil {
		return true
	}
	return *rc.BatchMode
}

// WebhookStarts reports whether incoming batch webhooks may start a
// pipeline run. Unset means yes.
func (rc RunConfig) WebhookStarts() bool {
	if rc.WebhookStartsPipeline == nil {
		return true
	}
	return *rc.WebhookStartsPipeline
}

// SimpleOrganicDSI reports whether organic DSI uses the weighted-sum
// formula instead of the product form. Unset means no.
func (rc RunConfig) SimpleOrganicDSI() bool {
	return rc.DSISimpleOrganic != nil && *rc.DSISimpleOrganic
}

// PhaseEnabled reports whether a phase is enabled in this run.
func (rc RunConfig) PhaseEnabled(phase string) bool {
	if rc.EnabledPhases == nil {
		return true
	}
	enabled, ok := rc.EnabledPhases[phase]
	if !ok {
		return true
	}
	return enabled
}

// ConcurrencyFor returns the fan-out bound for a phase, with a floor of 1.
func (rc RunConfig) ConcurrencyFor(phase string) int {
	if n := rc.Concurrency[phase]; n > 0 {
		return n
	}
	return 1
}

// BatchSizeFor returns the batch size for a phase, with a floor of 1.
func (rc RunConfig) BatchSizeFor(phase string) int {
	if n := rc.BatchSizes[phase]; n > 0 {
		return n
	}
	return 1
}

// TimeoutFor returns the watchdog timeout for a phase in minutes; zero means
// no timeout configured.
func (rc RunConfig) TimeoutFor(phase string) int {
	return rc.TimeoutMinutes[phase]
}

// MergeRun overlays o on base, right-wins. Nil/zero fields in o leave the
// base value in place; maps are merged key-wise.
func MergeRun(base, o RunConfig) RunConfig {
	out := base

	if o.Project != "" {
		out.Project = o.Project
	}
	if o.PeriodDate != "" {
		out.PeriodDate = o.PeriodDate
	}
	if o.Mode != "" {
		out.Mode = o.Mode
	}
	if len(o.ContentTypes) > 0 {
		out.ContentTypes = append([]string(nil), o.ContentTypes...)
	}
	if len(o.Regions) > 0 {
		out.Regions = append([]string(nil), o.Regions...)
	}
	if len(o.KeywordIDs) > 0 {
		out.KeywordIDs = append([]string(nil), o.KeywordIDs...)
	}
	out.EnabledPhases = mergeBoolMap(base.EnabledPhases, o.EnabledPhases)
	out.BatchSizes = mergeIntMap(base.BatchSizes, o.BatchSizes)
	out.Concurrency = mergeIntMap(base.Concurrency, o.Concurrency)
	out.TimeoutMinutes = mergeIntMap(base.TimeoutMinutes, o.TimeoutMinutes)
	if o.SerpCoordinatorCutoffMinutes > 0 {
		out.SerpCoordinatorCutoffMinutes = o.SerpCoordinatorCutoffMinutes
	}
	if o.GlobalFanOut > 0 {
		out.GlobalFanOut = o.GlobalFanOut
	}
	if o.CompanyProfileTTLHours > 0 {
		out.CompanyProfileTTLHours = o.CompanyProfileTTLHours
	}
	if o.BatchMode != nil {
		out.BatchMode = o.BatchMode
	}
	if o.WebhookStartsPipeline != nil {
		out.WebhookStartsPipeline = o.WebhookStartsPipeline
	}
	if o.DSISimpleOrganic != nil {
		out.DSISimpleOrganic = o.DSISimpleOrganic
	}
	if len(o.Analysis.Personas) > 0 {
		out.Analysis.Personas = append([]string(nil), o.Analysis.Personas...)
	}
	if len(o.Analysis.JourneyPhases) > 0 {
		out.Analysis.JourneyPhases = append([]string(nil), o.Analysis.JourneyPhases...)
	}
	if len(o.Analysis.CustomDimensions) > 0 {
		out.Analysis.CustomDimensions = append([]string(nil), o.Analysis.CustomDimensions...)
	}
	return out
}

func mergeBoolMap(base, o map[string]bool) map[string]bool {
	if len(base) == 0 && len(o) == 0 {
		return nil
	}
	out := make(map[string]bool, len(base)+len(o))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

func mergeIntMap(base, o map[string]int) map[string]int {
	if len(base) == 0 && len(o) == 0 {
		return nil
	}
	out := make(map[string]int, len(base)+len(o))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}
