package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertVideoSnapshots stores video metadata rows for a run.
func (s *Store) UpsertVideoSnapshots(ctx context.Context, snaps []VideoSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO video_snapshots
				(run_id, video_id, channel_id, channel_title, title,
				 views, likes, comments, duration_seconds, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, video_id) DO UPDATE SET
				channel_id = excluded.channel_id,
				channel_title = excluded.channel_title,
				title = excluded.title,
				views = excluded.views,
				likes = excluded.likes,
				comments = excluded.comments,
				duration_seconds = excluded.duration_seconds,
				fetched_at = excluded.fetched_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare video upsert: %w", err)
		}
		defer stmt.Close()
		for _, v := range snaps {
			fetchedAt := v.FetchedAt
			if fetchedAt.IsZero() {
				fetchedAt = now
			}
			if _, err := stmt.ExecContext(ctx, v.RunID, v.VideoID, v.ChannelID,
				v.ChannelTitle, v.Title, v.Views, v.Likes, v.Comments,
				v.DurationSeconds, fetchedAt.UTC()); err != nil {
				return fmt.Errorf("failed to upsert video %s: %w", v.VideoID, err)
			}
		}
		return nil
	})
}

// ListVideoSnapshots returns all video rows of a run.
func (s *Store) ListVideoSnapshots(ctx context.Context, runID string) ([]VideoSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, video_id, channel_id, channel_title, title,
		       views, likes, comments, duration_seconds, fetched_at
		FROM video_snapshots WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list video snapshots: %w", err)
	}
	defer rows.Close()

	var out []VideoSnapshot
	for rows.Next() {
		var v VideoSnapshot
		if err := rows.Scan(&v.RunID, &v.VideoID, &v.ChannelID, &v.ChannelTitle,
			&v.Title, &v.Views, &v.Likes, &v.Comments, &v.DurationSeconds,
			&v.FetchedAt); err != nil {
			return nil, err
		}
		v.FetchedAt = v.FetchedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertChannelCompany stores (or replaces) a channel→company mapping.
func (s *Store) UpsertChannelCompany(ctx context.Context, m *ChannelCompany) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_companies (channel_id, domain, source_type, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			domain = excluded.domain,
			source_type = excluded.source_type,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		m.ChannelID, m.Domain, m.SourceType, m.Attempts, m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert channel company: %w", err)
	}
	return nil
}

// GetChannelCompany fetches one mapping, or ErrNotFound.
func (s *Store) GetChannelCompany(ctx context.Context, channelID string) (*ChannelCompany, error) {
	var m ChannelCompany
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, domain, source_type, attempts, updated_at
		FROM channel_companies WHERE channel_id = ?`, channelID).
		Scan(&m.ChannelID, &m.Domain, &m.SourceType, &m.Attempts, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel company: %w", err)
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

// ChannelCompanies bulk-fetches mappings for channels; missing channels are
// absent from the map.
func (s *Store) ChannelCompanies(ctx context.Context, channelIDs []string) (map[string]*ChannelCompany, error) {
	out := make(map[string]*ChannelCompany, len(channelIDs))
	for _, id := range channelIDs {
		m, err := s.GetChannelCompany(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = m
	}
	return out, nil
}

// ChannelsMissingCompany returns channel ids from a run's video snapshots
// that have no mapping yet, or whose mapping is a retryable extraction
// error under maxAttempts.
func (s *Store) ChannelsMissingCompany(ctx context.Context, runID string, maxAttempts int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT v.channel_id
		FROM video_snapshots v
		LEFT JOIN channel_companies c ON c.channel_id = v.channel_id
		WHERE v.run_id = ? AND v.channel_id != ''
		  AND (c.channel_id IS NULL
		       OR (c.source_type = ? AND c.attempts < ?))
		ORDER BY v.channel_id`, runID, ChannelSourceError, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmapped channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
