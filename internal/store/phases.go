package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GetPhase fetches one phase row.
func (s *Store) GetPhase(ctx context.Context, runID, phase string) (*PhaseStatusRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, phase, status, started_at, completed_at, attempts,
		       result, last_error, updated_at
		FROM phase_statuses WHERE run_id = ? AND phase = ?`, runID, phase)
	return scanPhase(row)
}

// ListPhases returns all phase rows for a run in canonical order.
func (s *Store) ListPhases(ctx context.Context, runID string) ([]*PhaseStatusRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, phase, status, started_at, completed_at, attempts,
		       result, last_error, updated_at
		FROM phase_statuses WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	defer rows.Close()

	byName := map[string]*PhaseStatusRow{}
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		byName[p.Phase] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]*PhaseStatusRow, 0, len(byName))
	for _, name := range PhaseOrder {
		if p, ok := byName[name]; ok {
			ordered = append(ordered, p)
			delete(byName, name)
		}
	}
	for _, p := range byName {
		ordered = append(ordered, p)
	}
	return ordered, nil
}

func scanPhase(r rowScanner) (*PhaseStatusRow, error) {
	var (
		p                      PhaseStatusRow
		startedAt, completedAt sql.NullTime
	)
	err := r.Scan(&p.RunID, &p.Phase, &p.Status, &startedAt, &completedAt,
		&p.Attempts, &p.Result, &p.LastError, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan phase: %w", err)
	}
	p.StartedAt = scanNullTime(startedAt)
	p.CompletedAt = scanNullTime(completedAt)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// TransitionPhase moves a phase from one of the expected statuses to the
// target status, atomically. It returns ErrPrecondition when the row is not
// in any of the expected statuses — that is the serialization point that
// keeps a phase running on at most one run at a time.
//
// Side effects by target:
//   - running: attempts incremented, started_at set (kept on retry)
//   - completed: completed_at set
//   - failed/blocked: last_error recorded
func (s *Store) TransitionPhase(ctx context.Context, runID, phase string, from []PhaseStatus, to PhaseStatus, lastError string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition requires at least one expected status")
	}
	// completed is terminal: never a legal source.
	for _, f := range from {
		if f == PhaseCompleted {
			return fmt.Errorf("completed is not a legal transition source")
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	now := time.Now().UTC()

	var set string
	args := []any{to, now}
	switch to {
	case PhaseRunning:
		set = "status = ?, updated_at = ?, attempts = attempts + 1, started_at = COALESCE(started_at, ?), last_error = ''"
		args = append(args, now)
	case PhaseCompleted:
		set = "status = ?, updated_at = ?, completed_at = ?, last_error = ''"
		args = append(args, now)
	case PhaseFailed, PhaseBlocked:
		set = "status = ?, updated_at = ?, last_error = ?"
		args = append(args, lastError)
	case PhasePending, PhaseSkipped:
		set = "status = ?, updated_at = ?"
	default:
		return fmt.Errorf("invalid target phase status %q", to)
	}

	args = append(args, runID, phase)
	for _, f := range from {
		args = append(args, f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE phase_statuses SET %s
		WHERE run_id = ? AND phase = ? AND status IN (%s)`, set, placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("failed to transition phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: phase %s/%s not movable to %s", ErrPrecondition, runID, phase, to)
	}
	return nil
}

// SetPhaseResultPayload stores the typed result payload on the phase row.
func (s *Store) SetPhaseResultPayload(ctx context.Context, runID, phase, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE phase_statuses SET result = ?, updated_at = ?
		WHERE run_id = ? AND phase = ?`,
		payload, time.Now().UTC(), runID, phase)
	if err != nil {
		return fmt.Errorf("failed to set phase result: %w", err)
	}
	return nil
}

// ResetStalePhases moves running phases whose last update is older than
// grace back to pending, for restart recovery. Returns the phases reset.
func (s *Store) ResetStalePhases(ctx context.Context, runID string, grace time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-grace)

	var reset []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT phase FROM phase_statuses
			WHERE run_id = ? AND status = ? AND updated_at < ?`,
			runID, PhaseRunning, cutoff)
		if err != nil {
			return fmt.Errorf("failed to find stale phases: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var phase string
			if err := rows.Scan(&phase); err != nil {
				return err
			}
			reset = append(reset, phase)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, phase := range reset {
			_, err := tx.ExecContext(ctx, `
				UPDATE phase_statuses SET status = ?, updated_at = ?
				WHERE run_id = ? AND phase = ? AND status = ?`,
				PhasePending, now, runID, phase, PhaseRunning)
			if err != nil {
				return fmt.Errorf("failed to reset phase %s: %w", phase, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// TouchPhase bumps updated_at on a running phase so the restart-recovery
// grace window sees live progress.
func (s *Store) TouchPhase(ctx context.Context, runID, phase string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE phase_statuses SET updated_at = ?
		WHERE run_id = ? AND phase = ? AND status = ?`,
		time.Now().UTC(), runID, phase, PhaseRunning)
	return err
}
