package store

import "fmt"

// initialize creates the required tables. All statements are idempotent so
// startup doubles as migration for fresh columns guarded by
// schema_migrations.
func (s *Store) initialize() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE TABLE IF NOT EXISTS keywords (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			landscape TEXT DEFAULT '',
			text TEXT NOT NULL,
			active BOOLEAN DEFAULT TRUE
		);
		CREATE INDEX IF NOT EXISTS idx_keywords_project ON keywords(project, active);`,

		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			period_date TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'initial',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			config TEXT NOT NULL DEFAULT '{}',
			counters TEXT NOT NULL DEFAULT '{}',
			phase_results TEXT NOT NULL DEFAULT '{}',
			errors TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_project ON pipeline_runs(project, period_date);`,

		`CREATE TABLE IF NOT EXISTS phase_statuses (
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			started_at DATETIME,
			completed_at DATETIME,
			attempts INTEGER DEFAULT 0,
			result TEXT DEFAULT '',
			last_error TEXT DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, phase)
		);
		CREATE INDEX IF NOT EXISTS idx_phases_status ON phase_statuses(status);`,

		`CREATE TABLE IF NOT EXISTS work_items (
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			kind TEXT NOT NULL,
			item_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER DEFAULT 0,
			last_error TEXT DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, phase, kind, item_id)
		);
		CREATE INDEX IF NOT EXISTS idx_items_status ON work_items(run_id, phase, status);`,

		`CREATE TABLE IF NOT EXISTS batch_expectations (
			project TEXT NOT NULL,
			period_date TEXT NOT NULL,
			content_type TEXT NOT NULL,
			expected BOOLEAN DEFAULT TRUE,
			received BOOLEAN DEFAULT FALSE,
			received_at DATETIME,
			batch_id TEXT DEFAULT '',
			result_set_id INTEGER DEFAULT 0,
			download_links TEXT DEFAULT '{}',
			PRIMARY KEY (project, period_date, content_type)
		);`,

		`CREATE TABLE IF NOT EXISTS coordinator_locks (
			project TEXT NOT NULL,
			period_date TEXT NOT NULL,
			run_id TEXT,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (project, period_date)
		);`,

		`CREATE TABLE IF NOT EXISTS serp_results (
			run_id TEXT NOT NULL,
			keyword_id TEXT NOT NULL,
			serp_type TEXT NOT NULL,
			position INTEGER NOT NULL,
			url TEXT NOT NULL,
			domain TEXT NOT NULL,
			title TEXT DEFAULT '',
			snippet TEXT DEFAULT '',
			estimated_traffic REAL DEFAULT 0,
			PRIMARY KEY (run_id, keyword_id, serp_type, position)
		);
		CREATE INDEX IF NOT EXISTS idx_serp_domain ON serp_results(run_id, domain);
		CREATE INDEX IF NOT EXISTS idx_serp_type ON serp_results(run_id, serp_type);`,

		`CREATE TABLE IF NOT EXISTS scraped_content (
			run_id TEXT NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL,
			final_url TEXT DEFAULT '',
			content_type TEXT DEFAULT '',
			title TEXT DEFAULT '',
			body TEXT DEFAULT '',
			word_count INTEGER DEFAULT 0,
			engine TEXT DEFAULT '',
			page_count INTEGER DEFAULT 0,
			table_count INTEGER DEFAULT 0,
			scraped_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, url)
		);
		CREATE INDEX IF NOT EXISTS idx_scraped_url ON scraped_content(url, status);`,

		`CREATE TABLE IF NOT EXISTS content_analyses (
			run_id TEXT NOT NULL,
			url TEXT NOT NULL,
			summary TEXT DEFAULT '',
			primary_persona TEXT DEFAULT '',
			persona_scores TEXT DEFAULT '{}',
			journey_phase TEXT DEFAULT '',
			journey_score REAL DEFAULT 0,
			classification TEXT DEFAULT '',
			source_type TEXT DEFAULT '',
			mentions TEXT DEFAULT '[]',
			sentiment TEXT DEFAULT '',
			dimension_scores TEXT DEFAULT '{}',
			analyzed_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, url)
		);`,

		`CREATE TABLE IF NOT EXISTS company_profiles (
			domain TEXT PRIMARY KEY,
			name TEXT DEFAULT '',
			industry TEXT DEFAULT '',
			size TEXT DEFAULT '',
			technologies TEXT DEFAULT '[]',
			parent_domain TEXT DEFAULT '',
			source_type TEXT DEFAULT '',
			found BOOLEAN DEFAULT TRUE,
			enriched_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS keyword_metrics_history (
			snapshot_date TEXT NOT NULL,
			keyword_id TEXT NOT NULL,
			country TEXT NOT NULL,
			source TEXT NOT NULL,
			avg_monthly_searches INTEGER DEFAULT 0,
			competition TEXT DEFAULT '',
			bid_low REAL DEFAULT 0,
			bid_high REAL DEFAULT 0,
			no_data BOOLEAN DEFAULT FALSE,
			PRIMARY KEY (snapshot_date, keyword_id, country, source)
		);`,

		`CREATE TABLE IF NOT EXISTS video_snapshots (
			run_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			channel_id TEXT DEFAULT '',
			channel_title TEXT DEFAULT '',
			title TEXT DEFAULT '',
			views INTEGER DEFAULT 0,
			likes INTEGER DEFAULT 0,
			comments INTEGER DEFAULT 0,
			duration_seconds INTEGER DEFAULT 0,
			fetched_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, video_id)
		);
		CREATE INDEX IF NOT EXISTS idx_videos_channel ON video_snapshots(channel_id);`,

		`CREATE TABLE IF NOT EXISTS channel_companies (
			channel_id TEXT PRIMARY KEY,
			domain TEXT DEFAULT '',
			source_type TEXT NOT NULL,
			attempts INTEGER DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS breaker_states (
			service TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			consecutive_failures INTEGER DEFAULT 0,
			last_failure_at DATETIME,
			open_until DATETIME,
			cool_down_seconds INTEGER DEFAULT 0
		);`,

		`CREATE TABLE IF NOT EXISTS quota_counters (
			service TEXT NOT NULL,
			date TEXT NOT NULL,
			units INTEGER DEFAULT 0,
			breakdown TEXT DEFAULT '{}',
			PRIMARY KEY (service, date)
		);`,

		`CREATE TABLE IF NOT EXISTS dsi_scores (
			run_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			domain TEXT NOT NULL,
			company_name TEXT DEFAULT '',
			keyword_coverage REAL DEFAULT 0,
			traffic_share REAL DEFAULT 0,
			relevance REAL DEFAULT 0,
			market_presence REAL DEFAULT 0,
			position_score REAL DEFAULT 0,
			dsi REAL DEFAULT 0,
			rank INTEGER DEFAULT 0,
			market_position TEXT DEFAULT '',
			PRIMARY KEY (run_id, content_type, domain)
		);`,

		`CREATE TABLE IF NOT EXISTS page_dsi_scores (
			run_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			url TEXT NOT NULL,
			domain TEXT NOT NULL,
			dsi REAL DEFAULT 0,
			PRIMARY KEY (run_id, content_type, url)
		);`,

		`CREATE TABLE IF NOT EXISTS pipeline_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT DEFAULT '',
			data TEXT DEFAULT '',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_run ON pipeline_events(run_id);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}
