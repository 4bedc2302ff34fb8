package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertKeywordMetrics appends historical metric snapshots. Re-running a
// snapshot date overwrites the same (date, keyword, country, source) key,
// which keeps the table append-only across distinct dates.
func (s *Store) InsertKeywordMetrics(ctx context.Context, metrics []KeywordMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO keyword_metrics_history
				(snapshot_date, keyword_id, country, source,
				 avg_monthly_searches, competition, bid_low, bid_high, no_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (snapshot_date, keyword_id, country, source) DO UPDATE SET
				avg_monthly_searches = excluded.avg_monthly_searches,
				competition = excluded.competition,
				bid_low = excluded.bid_low,
				bid_high = excluded.bid_high,
				no_data = excluded.no_data`)
		if err != nil {
			return fmt.Errorf("failed to prepare metric insert: %w", err)
		}
		defer stmt.Close()
		for _, m := range metrics {
			if _, err := stmt.ExecContext(ctx, m.SnapshotDate, m.KeywordID,
				m.Country, m.Source, m.AvgMonthlySearches, m.Competition,
				m.BidLow, m.BidHigh, m.NoData); err != nil {
				return fmt.Errorf("failed to insert metric %s/%s: %w", m.KeywordID, m.Country, err)
			}
		}
		return nil
	})
}

// LatestKeywordMetric returns the newest snapshot for (keyword, country), or
// ErrNotFound.
func (s *Store) LatestKeywordMetric(ctx context.Context, keywordID, country string) (*KeywordMetric, error) {
	var m KeywordMetric
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_date, keyword_id, country, source,
		       avg_monthly_searches, competition, bid_low, bid_high, no_data
		FROM keyword_metrics_history
		WHERE keyword_id = ? AND country = ?
		ORDER BY snapshot_date DESC LIMIT 1`, keywordID, country).
		Scan(&m.SnapshotDate, &m.KeywordID, &m.Country, &m.Source,
			&m.AvgMonthlySearches, &m.Competition, &m.BidLow, &m.BidHigh, &m.NoData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest metric: %w", err)
	}
	return &m, nil
}

// LatestSearchVolumes returns, per keyword id, the newest non-empty
// avg_monthly_searches across countries, summed over countries. Keywords
// with only no_data snapshots map to zero.
func (s *Store) LatestSearchVolumes(ctx context.Context, keywordIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keywordIDs))
	for _, id := range keywordIDs {
		rows, err := s.db.QueryContext(ctx, `
			SELECT country, avg_monthly_searches, no_data FROM keyword_metrics_history h
			WHERE keyword_id = ? AND snapshot_date = (
				SELECT MAX(snapshot_date) FROM keyword_metrics_history
				WHERE keyword_id = h.keyword_id AND country = h.country)`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get search volumes: %w", err)
		}
		var total int64
		for rows.Next() {
			var (
				country string
				vol     int64
				noData  bool
			)
			if err := rows.Scan(&country, &vol, &noData); err != nil {
				rows.Close()
				return nil, err
			}
			if !noData {
				total += vol
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		out[id] = total
	}
	return out, nil
}
