package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertQuotaCounter mirrors a service's daily usage counter.
func (s *Store) UpsertQuotaCounter(ctx context.Context, q *QuotaCounter) error {
	breakdown, err := json.Marshal(q.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode quota breakdown: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quota_counters (service, date, units, breakdown)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (service, date) DO UPDATE SET
			units = excluded.units,
			breakdown = excluded.breakdown`,
		q.Service, q.Date, q.Units, string(breakdown))
	if err != nil {
		return fmt.Errorf("failed to upsert quota counter: %w", err)
	}
	return nil
}

// GetQuotaCounter fetches the counter for (service, date), or ErrNotFound.
func (s *Store) GetQuotaCounter(ctx context.Context, service, date string) (*QuotaCounter, error) {
	var (
		q         QuotaCounter
		breakdown string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT service, date, units, breakdown
		FROM quota_counters WHERE service = ? AND date = ?`, service, date).
		Scan(&q.Service, &q.Date, &q.Units, &breakdown)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota counter: %w", err)
	}
	if err := json.Unmarshal([]byte(breakdown), &q.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to decode quota breakdown: %w", err)
	}
	return &q, nil
}

// AddQuotaUnits atomically adds units (with a per-kind breakdown entry) to
// the (service, date) counter and returns the new total.
func (s *Store) AddQuotaUnits(ctx context.Context, service, date, kind string, units int) (int, error) {
	var total int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			current   int
			breakdown string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT units, breakdown FROM quota_counters WHERE service = ? AND date = ?`,
			service, date).Scan(&current, &breakdown)
		byKind := map[string]int{}
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// first use today
		case err != nil:
			return fmt.Errorf("failed to read quota counter: %w", err)
		default:
			if err := json.Unmarshal([]byte(breakdown), &byKind); err != nil {
				return fmt.Errorf("failed to decode quota breakdown: %w", err)
			}
		}

		total = current + units
		if kind != "" {
			byKind[kind] += units
		}
		data, err := json.Marshal(byKind)
		if err != nil {
			return fmt.Errorf("failed to encode quota breakdown: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO quota_counters (service, date, units, breakdown)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (service, date) DO UPDATE SET
				units = excluded.units,
				breakdown = excluded.breakdown`,
			service, date, total, string(data))
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
