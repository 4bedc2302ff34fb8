package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertScrapedContent stores the scrape outcome for one (run, url).
func (s *Store) UpsertScrapedContent(ctx context.Context, c *ScrapedContent) error {
	if c.ScrapedAt.IsZero() {
		c.ScrapedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scraped_content
			(run_id, url, status, final_url, content_type, title, body,
			 word_count, engine, page_count, table_count, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, url) DO UPDATE SET
			status = excluded.status,
			final_url = excluded.final_url,
			content_type = excluded.content_type,
			title = excluded.title,
			body = excluded.body,
			word_count = excluded.word_count,
			engine = excluded.engine,
			page_count = excluded.page_count,
			table_count = excluded.table_count,
			scraped_at = excluded.scraped_at`,
		c.RunID, c.URL, c.Status, c.FinalURL, c.ContentType, c.Title, c.Body,
		c.WordCount, c.Engine, c.PageCount, c.TableCount, c.ScrapedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert scraped content: %w", err)
	}
	return nil
}

// GetScrapedContent fetches one (run, url) row, or ErrNotFound.
func (s *Store) GetScrapedContent(ctx context.Context, runID, url string) (*ScrapedContent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, url, status, final_url, content_type, title, body,
		       word_count, engine, page_count, table_count, scraped_at
		FROM scraped_content WHERE run_id = ? AND url = ?`, runID, url)
	return scanScraped(row)
}

// LatestScrapedContent finds the most recent successful scrape of a URL
// across all runs, for cross-run dedup. Returns ErrNotFound when the URL was
// never scraped successfully.
func (s *Store) LatestScrapedContent(ctx context.Context, url string) (*ScrapedContent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, url, status, final_url, content_type, title, body,
		       word_count, engine, page_count, table_count, scraped_at
		FROM scraped_content
		WHERE url = ? AND status = 'completed'
		ORDER BY scraped_at DESC LIMIT 1`, url)
	return scanScraped(row)
}

// ListScrapedContent returns scrape rows for a run filtered by status; empty
// status lists all.
func (s *Store) ListScrapedContent(ctx context.Context, runID, status string) ([]*ScrapedContent, error) {
	query := `
		SELECT run_id, url, status, final_url, content_type, title, body,
		       word_count, engine, page_count, table_count, scraped_at
		FROM scraped_content WHERE run_id = ?`
	args := []any{runID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scraped content: %w", err)
	}
	defer rows.Close()

	var out []*ScrapedContent
	for rows.Next() {
		c, err := scanScraped(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanScraped(r rowScanner) (*ScrapedContent, error) {
	var c ScrapedContent
	err := r.Scan(&c.RunID, &c.URL, &c.Status, &c.FinalURL, &c.ContentType,
		&c.Title, &c.Body, &c.WordCount, &c.Engine, &c.PageCount,
		&c.TableCount, &c.ScrapedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scraped content: %w", err)
	}
	c.ScrapedAt = c.ScrapedAt.UTC()
	return &c, nil
}

// UpsertContentAnalysis stores the analysis for one (run, url).
func (s *Store) UpsertContentAnalysis(ctx context.Context, a *ContentAnalysis) error {
	if a.AnalyzedAt.IsZero() {
		a.AnalyzedAt = time.Now().UTC()
	}
	scores, err := json.Marshal(a.PersonaScores)
	if err != nil {
		return fmt.Errorf("failed to encode persona scores: %w", err)
	}
	mentions, err := json.Marshal(a.Mentions)
	if err != nil {
		return fmt.Errorf("failed to encode mentions: %w", err)
	}
	dims, err := json.Marshal(a.DimensionScores)
	if err != nil {
		return fmt.Errorf("failed to encode dimension scores: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_analyses
			(run_id, url, summary, primary_persona, persona_scores,
			 journey_phase, journey_score, classification, source_type,
			 mentions, sentiment, dimension_scores, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, url) DO UPDATE SET
			summary = excluded.summary,
			primary_persona = excluded.primary_persona,
			persona_scores = excluded.persona_scores,
			journey_phase = excluded.journey_phase,
			journey_score = excluded.journey_score,
			classification = excluded.classification,
			source_type = excluded.source_type,
			mentions = excluded.mentions,
			sentiment = excluded.sentiment,
			dimension_scores = excluded.dimension_scores,
			analyzed_at = excluded.analyzed_at`,
		a.RunID, a.URL, a.Summary, a.PrimaryPersona, string(scores),
		a.JourneyPhase, a.JourneyScore, a.Classification, a.SourceType,
		string(mentions), a.Sentiment, string(dims), a.AnalyzedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert content analysis: %w", err)
	}
	return nil
}

// GetContentAnalysis fetches one (run, url) analysis, or ErrNotFound.
func (s *Store) GetContentAnalysis(ctx context.Context, runID, url string) (*ContentAnalysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, url, summary, primary_persona, persona_scores,
		       journey_phase, journey_score, classification, source_type,
		       mentions, sentiment, dimension_scores, analyzed_at
		FROM content_analyses WHERE run_id = ? AND url = ?`, runID, url)
	return scanAnalysis(row)
}

// ListContentAnalyses returns all analyses of a run.
func (s *Store) ListContentAnalyses(ctx context.Context, runID string) ([]*ContentAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, url, summary, primary_persona, persona_scores,
		       journey_phase, journey_score, classification, source_type,
		       mentions, sentiment, dimension_scores, analyzed_at
		FROM content_analyses WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list content analyses: %w", err)
	}
	defer rows.Close()

	var out []*ContentAnalysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AnalyzedURLs returns the set of URLs already analyzed in a run.
func (s *Store) AnalyzedURLs(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM content_analyses WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyzed urls: %w", err)
	}
	defer rows.Close()

	urls := map[string]bool{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls[u] = true
	}
	return urls, rows.Err()
}

func scanAnalysis(r rowScanner) (*ContentAnalysis, error) {
	var (
		a                      ContentAnalysis
		scores, mentions, dims string
	)
	err := r.Scan(&a.RunID, &a.URL, &a.Summary, &a.PrimaryPersona, &scores,
		&a.JourneyPhase, &a.JourneyScore, &a.Classification, &a.SourceType,
		&mentions, &a.Sentiment, &dims, &a.AnalyzedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan content analysis: %w", err)
	}
	if err := json.Unmarshal([]byte(scores), &a.PersonaScores); err != nil {
		return nil, fmt.Errorf("failed to decode persona scores: %w", err)
	}
	if err := json.Unmarshal([]byte(dims), &a.DimensionScores); err != nil {
		return nil, fmt.Errorf("failed to decode dimension scores: %w", err)
	}
	if err := json.Unmarshal([]byte(mentions), &a.Mentions); err != nil {
		return nil, fmt.Errorf("failed to decode mentions: %w", err)
	}
	a.AnalyzedAt = a.AnalyzedAt.UTC()
	return &a, nil
}
