package store

import (
	"context"
	"database/sql"
	"fmt"

	"landscape/internal/serp"
)

// ReplaceDSIScores replaces the company ranking of a (run, content-type)
// with the supplied rows. Replacement keeps re-running the final phase
// idempotent.
func (s *Store) ReplaceDSIScores(ctx context.Context, runID string, ct serp.ContentType, scores []DSIScore) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dsi_scores WHERE run_id = ? AND content_type = ?`,
			runID, ct); err != nil {
			return fmt.Errorf("failed to clear dsi scores: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO dsi_scores
				(run_id, content_type, domain, company_name, keyword_coverage,
				 traffic_share, relevance, market_presence, position_score,
				 dsi, rank, market_position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare dsi insert: %w", err)
		}
		defer stmt.Close()
		for _, d := range scores {
			if _, err := stmt.ExecContext(ctx, runID, ct, d.Domain, d.CompanyName,
				d.KeywordCoverage, d.TrafficShare, d.Relevance, d.MarketPresence,
				d.PositionScore, d.DSI, d.Rank, d.MarketPosition); err != nil {
				return fmt.Errorf("failed to insert dsi score %s: %w", d.Domain, err)
			}
		}
		return nil
	})
}

// ListDSIScores returns the ranking of a (run, content-type) in rank order.
func (s *Store) ListDSIScores(ctx context.Context, runID string, ct serp.ContentType) ([]DSIScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, content_type, domain, company_name, keyword_coverage,
		       traffic_share, relevance, market_presence, position_score,
		       dsi, rank, market_position
		FROM dsi_scores WHERE run_id = ? AND content_type = ?
		ORDER BY rank, domain`, runID, ct)
	if err != nil {
		return nil, fmt.Errorf("failed to list dsi scores: %w", err)
	}
	defer rows.Close()

	var out []DSIScore
	for rows.Next() {
		var d DSIScore
		if err := rows.Scan(&d.RunID, &d.ContentType, &d.Domain, &d.CompanyName,
			&d.KeywordCoverage, &d.TrafficShare, &d.Relevance, &d.MarketPresence,
			&d.PositionScore, &d.DSI, &d.Rank, &d.MarketPosition); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReplacePageDSIScores replaces the page-level scores of a (run,
// content-type).
func (s *Store) ReplacePageDSIScores(ctx context.Context, runID string, ct serp.ContentType, scores []PageDSIScore) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM page_dsi_scores WHERE run_id = ? AND content_type = ?`,
			runID, ct); err != nil {
			return fmt.Errorf("failed to clear page dsi scores: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO page_dsi_scores (run_id, content_type, url, domain, dsi)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare page dsi insert: %w", err)
		}
		defer stmt.Close()
		for _, p := range scores {
			if _, err := stmt.ExecContext(ctx, runID, ct, p.URL, p.Domain, p.DSI); err != nil {
				return fmt.Errorf("failed to insert page dsi score %s: %w", p.URL, err)
			}
		}
		return nil
	})
}

// ListPageDSIScores returns page-level scores of a (run, content-type),
// highest first.
func (s *Store) ListPageDSIScores(ctx context.Context, runID string, ct serp.ContentType) ([]PageDSIScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, content_type, url, domain, dsi
		FROM page_dsi_scores WHERE run_id = ? AND content_type = ?
		ORDER BY dsi DESC, url`, runID, ct)
	if err != nil {
		return nil, fmt.Errorf("failed to list page dsi scores: %w", err)
	}
	defer rows.Close()

	var out []PageDSIScore
	for rows.Next() {
		var p PageDSIScore
		if err := rows.Scan(&p.RunID, &p.ContentType, &p.URL, &p.Domain, &p.DSI); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
