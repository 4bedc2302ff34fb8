package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"landscape/internal/serp"
)

// RecordExpectation registers that a batch is anticipated for
// (project, period-date, content-type). Idempotent.
func (s *Store) RecordExpectation(ctx context.Context, project, periodDate string, ct serp.ContentType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_expectations (project, period_date, content_type, expected)
		VALUES (?, ?, ?, TRUE)
		ON CONFLICT (project, period_date, content_type) DO UPDATE SET expected = TRUE`,
		project, periodDate, ct)
	if err != nil {
		return fmt.Errorf("failed to record expectation: %w", err)
	}
	return nil
}

// MarkExpectationReceived records a received batch. Duplicate webhooks
// overwrite the batch id and download links but keep the original
// received_at, so cutoff timing is stable.
func (s *Store) MarkExpectationReceived(ctx context.Context, project, periodDate string, ct serp.ContentType, batchID string, resultSetID int, downloadLinks string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_expectations
			(project, period_date, content_type, expected, received, received_at,
			 batch_id, result_set_id, download_links)
		VALUES (?, ?, ?, TRUE, TRUE, ?, ?, ?, ?)
		ON CONFLICT (project, period_date, content_type) DO UPDATE SET
			received = TRUE,
			received_at = COALESCE(batch_expectations.received_at, excluded.received_at),
			batch_id = excluded.batch_id,
			result_set_id = excluded.result_set_id,
			download_links = excluded.download_links`,
		project, periodDate, ct, time.Now().UTC(), batchID, resultSetID, downloadLinks)
	if err != nil {
		return fmt.Errorf("failed to mark expectation received: %w", err)
	}
	return nil
}

// ListExpectations returns all expectation rows for (project, period-date).
func (s *Store) ListExpectations(ctx context.Context, project, periodDate string) ([]BatchExpectation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, period_date, content_type, expected, received,
		       received_at, batch_id, result_set_id, download_links
		FROM batch_expectations
		WHERE project = ? AND period_date = ?`, project, periodDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list expectations: %w", err)
	}
	defer rows.Close()

	var out []BatchExpectation
	for rows.Next() {
		var (
			e          BatchExpectation
			receivedAt sql.NullTime
		)
		if err := rows.Scan(&e.Project, &e.PeriodDate, &e.ContentType,
			&e.Expected, &e.Received, &receivedAt, &e.BatchID,
			&e.ResultSetID, &e.DownloadLinks); err != nil {
			return nil, err
		}
		e.ReceivedAt = scanNullTime(receivedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcquireCoordinatorLock inserts the single lock row for (project,
// period-date). Returns true when this caller won the insert; false when
// the lock already exists. The insertion is the atomic exactly-once gate.
func (s *Store) AcquireCoordinatorLock(ctx context.Context, project, periodDate, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO coordinator_locks (project, period_date, run_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project, period_date) DO NOTHING`,
		project, periodDate, runID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acquire coordinator lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetCoordinatorLock returns the lock row, or ErrNotFound.
func (s *Store) GetCoordinatorLock(ctx context.Context, project, periodDate string) (*CoordinatorLock, error) {
	var (
		lock  CoordinatorLock
		runID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT project, period_date, run_id, created_at
		FROM coordinator_locks WHERE project = ? AND period_date = ?`,
		project, periodDate).
		Scan(&lock.Project, &lock.PeriodDate, &runID, &lock.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coordinator lock: %w", err)
	}
	lock.RunID = runID.String
	lock.CreatedAt = lock.CreatedAt.UTC()
	return &lock, nil
}

// InsertSERPResults bulk-inserts result rows. Duplicate (run, keyword,
// type, position) keys follow last-write-wins; the superseded row is noted
// in the event log so earliest-seen survives for auditing.
func (s *Store) InsertSERPResults(ctx context.Context, results []SERPResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		selectStmt, err := tx.PrepareContext(ctx, `
			SELECT url FROM serp_results
			WHERE run_id = ? AND keyword_id = ? AND serp_type = ? AND position = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare duplicate check: %w", err)
		}
		defer selectStmt.Close()

		insertStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO serp_results
				(run_id, keyword_id, serp_type, position, url, domain, title, snippet, estimated_traffic)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, keyword_id, serp_type, position) DO UPDATE SET
				url = excluded.url,
				domain = excluded.domain,
				title = excluded.title,
				snippet = excluded.snippet,
				estimated_traffic = excluded.estimated_traffic`)
		if err != nil {
			return fmt.Errorf("failed to prepare serp insert: %w", err)
		}
		defer insertStmt.Close()

		eventStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO pipeline_events (run_id, kind, message, data, created_at)
			VALUES (?, 'serp_position_superseded', ?, '', ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare supersede event: %w", err)
		}
		defer eventStmt.Close()

		now := time.Now().UTC()
		for _, r := range results {
			var prevURL string
			err := selectStmt.QueryRowContext(ctx, r.RunID, r.KeywordID, r.Type, r.Position).Scan(&prevURL)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed duplicate check: %w", err)
			}
			if err == nil && prevURL != r.URL {
				msg := fmt.Sprintf("%s/%s pos %d: %s superseded by %s",
					r.KeywordID, r.Type, r.Position, prevURL, r.URL)
				if _, err := eventStmt.ExecContext(ctx, r.RunID, msg, now); err != nil {
					return fmt.Errorf("failed to log supersede: %w", err)
				}
			}
			if _, err := insertStmt.ExecContext(ctx, r.RunID, r.KeywordID, r.Type,
				r.Position, r.URL, r.Domain, r.Title, r.Snippet, r.EstimatedTraffic); err != nil {
				return fmt.Errorf("failed to insert serp result: %w", err)
			}
		}
		return nil
	})
}

// ListSERPResults returns result rows for a run, optionally filtered by
// content type.
func (s *Store) ListSERPResults(ctx context.Context, runID string, ct serp.ContentType) ([]SERPResult, error) {
	query := `
		SELECT run_id, keyword_id, serp_type, position, url, domain, title, snippet, estimated_traffic
		FROM serp_results WHERE run_id = ?`
	args := []any{runID}
	if ct != "" {
		query += " AND serp_type = ?"
		args = append(args, ct)
	}
	query += " ORDER BY keyword_id, serp_type, position"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list serp results: %w", err)
	}
	defer rows.Close()

	var out []SERPResult
	for rows.Next() {
		var r SERPResult
		if err := rows.Scan(&r.RunID, &r.KeywordID, &r.Type, &r.Position,
			&r.URL, &r.Domain, &r.Title, &r.Snippet, &r.EstimatedTraffic); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DistinctDomains returns the distinct normalized domains discovered in a
// run's SERP results.
func (s *Store) DistinctDomains(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT domain FROM serp_results
		WHERE run_id = ? AND domain != '' ORDER BY domain`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// PageURLs returns the distinct organic and news URLs of a run.
func (s *Store) PageURLs(ctx context.Context, runID string) ([]string, error) {
	return s.urlsOfTypes(ctx, runID, serp.ContentOrganic, serp.ContentNews)
}

// VideoURLs returns the distinct video URLs of a run.
func (s *Store) VideoURLs(ctx context.Context, runID string) ([]string, error) {
	return s.urlsOfTypes(ctx, runID, serp.ContentVideo)
}

func (s *Store) urlsOfTypes(ctx context.Context, runID string, types ...serp.ContentType) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := []any{runID}
	for _, t := range types {
		args = append(args, t)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT url FROM serp_results
		WHERE run_id = ? AND serp_type IN (%s) ORDER BY url`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
