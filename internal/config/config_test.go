package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Store.Path == "" {
		t.Error("expected default store path")
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected memory cache backend, got %s", cfg.Cache.Backend)
	}
	bc := cfg.BreakerFor("company")
	if bc.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", bc.FailureThreshold)
	}
	if bc.MaxCoolDown != 30*time.Minute {
		t.Errorf("expected cool-down cap of 30m, got %v", bc.MaxCoolDown)
	}
	if cfg.Quota.DailyLimits["video"] != 10000 {
		t.Errorf("expected video quota 10000, got %d", cfg.Quota.DailyLimits["video"])
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("expected default listen addr, got %s", cfg.Server.Listen)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
store:
  path: /tmp/other.db
server:
  listen: ":9090"
run:
  regions: ["US", "DE"]
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("store path not overridden: %s", cfg.Store.Path)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("listen not overridden: %s", cfg.Server.Listen)
	}
	if len(cfg.Run.Regions) != 2 || cfg.Run.Regions[1] != "DE" {
		t.Errorf("run regions not overridden: %v", cfg.Run.Regions)
	}
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("LANDSCAPE_LLM_API_KEY", "env-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "env-key" {
		t.Errorf("env override not applied: %q", cfg.Providers.LLM.APIKey)
	}
}

func TestMergeRunRightWins(t *testing.T) {
	base := DefaultRunConfig()
	override := RunConfig{
		Project:      "acme",
		ContentTypes: []string{"organic"},
		EnabledPhases: map[string]bool{
			PhaseKeywordMetrics: false,
		},
		Concurrency: map[string]int{
			PhaseContentScraping: 10,
		},
	}

	merged := MergeRun(base, override)

	if merged.Project != "acme" {
		t.Errorf("project not overridden: %s", merged.Project)
	}
	if len(merged.ContentTypes) != 1 || merged.ContentTypes[0] != "organic" {
		t.Errorf("content types not overridden: %v", merged.ContentTypes)
	}
	if merged.PhaseEnabled(PhaseKeywordMetrics) {
		t.Error("keyword_metrics should be disabled after merge")
	}
	if !merged.PhaseEnabled(PhaseSERPCollection) {
		t.Error("unmentioned phases stay enabled")
	}
	if merged.ConcurrencyFor(PhaseContentScraping) != 10 {
		t.Errorf("scraping concurrency not overridden: %d", merged.ConcurrencyFor(PhaseContentScraping))
	}
	// Base map untouched by overlay
	if merged.ConcurrencyFor(PhaseContentAnalysis) != 10 {
		t.Errorf("base analysis concurrency lost: %d", merged.ConcurrencyFor(PhaseContentAnalysis))
	}
	// Base not mutated
	if base.ConcurrencyFor(PhaseContentScraping) != 50 {
		t.Errorf("base mutated by merge: %d", base.ConcurrencyFor(PhaseContentScraping))
	}
}

func TestMergeRunFalseOverridesTrue(t *testing.T) {
	base := DefaultRunConfig()
	base.BatchMode = Bool(true)
	base.WebhookStartsPipeline = Bool(true)
	base.DSISimpleOrganic = Bool(true)

	merged := MergeRun(base, RunConfig{
		BatchMode:             Bool(false),
		WebhookStartsPipeline: Bool(false),
		DSISimpleOrganic:      Bool(false),
	})

	if merged.BatchModeEnabled() {
		t.Error("batch_mode: false override lost")
	}
	if merged.WebhookStarts() {
		t.Error("webhook_starts_pipeline: false override lost")
	}
	if merged.SimpleOrganicDSI() {
		t.Error("dsi_simple_organic: false override lost")
	}

	// Unset override fields leave the base value alone.
	kept := MergeRun(base, RunConfig{Project: "acme"})
	if !kept.BatchModeEnabled() || !kept.WebhookStarts() {
		t.Error("unset override must not clear base booleans")
	}
}

func TestRunConfigFloors(t *testing.T) {
	rc := RunConfig{}
	if rc.ConcurrencyFor("anything") != 1 {
		t.Error("concurrency floor should be 1")
	}
	if rc.BatchSizeFor("anything") != 1 {
		t.Error("batch size floor should be 1")
	}
	if !rc.PhaseEnabled("anything") {
		t.Error("phases default to enabled")
	}
}
