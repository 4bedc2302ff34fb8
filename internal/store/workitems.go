package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EnqueueWorkItems bulk-inserts queued work items, ignoring duplicates so
// re-enqueueing after a resume is idempotent.
func (s *Store) EnqueueWorkItems(ctx context.Context, runID, phase, kind string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO work_items (run_id, phase, kind, item_id, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, phase, kind, item_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare enqueue: %w", err)
		}
		defer stmt.Close()
		for _, id := range itemIDs {
			if _, err := stmt.ExecContext(ctx, runID, phase, kind, id, ItemQueued, now); err != nil {
				return fmt.Errorf("failed to enqueue item %s: %w", id, err)
			}
		}
		return nil
	})
}

// ClaimWorkItems moves up to limit queued items to processing and returns
// their ids. The select and update run in one transaction so two claimers
// never receive the same item.
func (s *Store) ClaimWorkItems(ctx context.Context, runID, phase string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT item_id FROM work_items
			WHERE run_id = ? AND phase = ? AND status = ?
			LIMIT ?`, runID, phase, ItemQueued, limit)
		if err != nil {
			return fmt.Errorf("failed to select queued items: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			claimed = append(claimed, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		now := time.Now().UTC()
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(claimed)), ",")
		args := []any{ItemProcessing, now, runID, phase}
		for _, id := range claimed {
			args = append(args, id)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE work_items
			SET status = ?, attempts = attempts + 1, updated_at = ?
			WHERE run_id = ? AND phase = ? AND item_id IN (%s)`, placeholders),
			args...)
		if err != nil {
			return fmt.Errorf("failed to claim items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteWorkItem marks one item completed.
func (s *Store) CompleteWorkItem(ctx context.Context, runID, phase, itemID string) error {
	return s.finishWorkItem(ctx, runID, phase, itemID, ItemCompleted, "")
}

// FailWorkItem marks one item failed with the error recorded.
func (s *Store) FailWorkItem(ctx context.Context, runID, phase, itemID, lastError string) error {
	return s.finishWorkItem(ctx, runID, phase, itemID, ItemFailed, lastError)
}

// RequeueWorkItem returns a processing item to the queue (e.g. quota yield).
func (s *Store) RequeueWorkItem(ctx context.Context, runID, phase, itemID string) error {
	return s.finishWorkItem(ctx, runID, phase, itemID, ItemQueued, "")
}

func (s *Store) finishWorkItem(ctx context.Context, runID, phase, itemID string, to ItemStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, last_error = ?, updated_at = ?
		WHERE run_id = ? AND phase = ? AND item_id = ?`,
		to, lastError, time.Now().UTC(), runID, phase, itemID)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: work item %s/%s/%s", ErrNotFound, runID, phase, itemID)
	}
	return nil
}

// ResetStaleWorkItems returns processing items older than grace to the
// queue, for restart recovery. Returns how many were reset.
func (s *Store) ResetStaleWorkItems(ctx context.Context, runID string, grace time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE run_id = ? AND status = ? AND updated_at < ?`,
		ItemQueued, time.Now().UTC(), runID, ItemProcessing,
		time.Now().UTC().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// WorkItemCounts returns the per-status breakdown for a (run, phase).
func (s *Store) WorkItemCounts(ctx context.Context, runID, phase string) (ItemCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_items
		WHERE run_id = ? AND phase = ?
		GROUP BY status`, runID, phase)
	if err != nil {
		return ItemCounts{}, fmt.Errorf("failed to count items: %w", err)
	}
	defer rows.Close()

	var c ItemCounts
	for rows.Next() {
		var status ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ItemCounts{}, err
		}
		switch status {
		case ItemQueued:
			c.Queued = n
		case ItemProcessing:
			c.Processing = n
		case ItemCompleted:
			c.Completed = n
		case ItemFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// ListWorkItems returns items for a (run, phase) filtered by status; empty
// status lists all.
func (s *Store) ListWorkItems(ctx context.Context, runID, phase string, status ItemStatus) ([]WorkItem, error) {
	query := `
		SELECT run_id, phase, kind, item_id, status, attempts, last_error, updated_at
		FROM work_items WHERE run_id = ? AND phase = ?`
	args := []any{runID, phase}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var it WorkItem
		if err := rows.Scan(&it.RunID, &it.Phase, &it.Kind, &it.ItemID,
			&it.Status, &it.Attempts, &it.LastError, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.UpdatedAt = it.UpdatedAt.UTC()
		items = append(items, it)
	}
	return items, rows.Err()
}
