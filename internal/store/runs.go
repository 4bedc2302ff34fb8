package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// CreatePipelineRun inserts a new run together with a pending phase row for
// every phase name in phases, in one transaction.
func (s *Store) CreatePipelineRun(ctx context.Context, run *PipelineRun, phases []string) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}
	cfg := run.Config
	if cfg == "" {
		cfg = "{}"
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_runs
				(id, project, period_date, mode, status, created_at, config, counters)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Project, run.PeriodDate, run.Mode, run.Status,
			run.CreatedAt.UTC(), cfg, string(counters))
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		now := time.Now().UTC()
		for _, phase := range phases {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO phase_statuses (run_id, phase, status, updated_at)
				VALUES (?, ?, ?, ?)`,
				run.ID, phase, PhasePending, now)
			if err != nil {
				return fmt.Errorf("failed to insert phase row %s: %w", phase, err)
			}
		}
		return nil
	})
}

// GetPipelineRun fetches one run by id.
func (s *Store) GetPipelineRun(ctx context.Context, id string) (*PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, period_date, mode, status, created_at,
		       started_at, completed_at, config, counters, phase_results, errors
		FROM pipeline_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListPipelineRuns returns runs with the given status, newest first. An
// empty status lists all runs.
func (s *Store) ListPipelineRuns(ctx context.Context, status RunStatus) ([]*PipelineRun, error) {
	query := `
		SELECT id, project, period_date, mode, status, created_at,
		       started_at, completed_at, config, counters, phase_results, errors
		FROM pipeline_runs`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*PipelineRun, error) {
	var (
		run                    PipelineRun
		startedAt, completedAt sql.NullTime
		counters, results      string
		errList                string
	)
	err := r.Scan(&run.ID, &run.Project, &run.PeriodDate, &run.Mode, &run.Status,
		&run.CreatedAt, &startedAt, &completedAt, &run.Config,
		&counters, &results, &errList)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = scanNullTime(startedAt)
	run.CompletedAt = scanNullTime(completedAt)
	if err := json.Unmarshal([]byte(counters), &run.Counters); err != nil {
		return nil, fmt.Errorf("failed to decode counters: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &run.PhaseResults); err != nil {
		return nil, fmt.Errorf("failed to decode phase results: %w", err)
	}
	if err := json.Unmarshal([]byte(errList), &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors: %w", err)
	}
	return &run, nil
}

// UpdateRunStatus transitions a run between statuses. Terminal statuses are
// immutable: the update requires the current status to be non-terminal, and
// to move to running the run must currently be pending or running.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, to RunStatus) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	switch to {
	case RunRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE pipeline_runs
			SET status = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status IN ('pending', 'running')`,
			to, now, id)
	case RunCompleted, RunFailed, RunCancelled:
		res, err = s.db.ExecContext(ctx, `
			UPDATE pipeline_runs
			SET status = ?, completed_at = ?
			WHERE id = ? AND status IN ('pending', 'running')`,
			to, now, id)
	default:
		return fmt.Errorf("invalid target run status %q", to)
	}
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s not movable to %s", ErrPrecondition, id, to)
	}
	return nil
}

// ResumeRun returns a failed (or stalled) run to running so its non-terminal
// phases can be retried. This is the one sanctioned exit from failed;
// completed and cancelled stay immutable.
func (s *Store) ResumeRun(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, completed_at = NULL, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('pending', 'running', 'failed')`,
		RunRunning, now, id)
	if err != nil {
		return fmt.Errorf("failed to resume run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s not resumable", ErrPrecondition, id)
	}
	return nil
}

// UpdateCounters overwrites the run's aggregate counters.
func (s *Store) UpdateCounters(ctx context.Context, id string, c Counters) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET counters = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return nil
}

// AddCounters adds deltas to the run's aggregate counters in one
// read-modify-write transaction.
func (s *Store) AddCounters(ctx context.Context, id string, delta Counters) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT counters FROM pipeline_runs WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read counters: %w", err)
		}
		var c Counters
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return fmt.Errorf("failed to decode counters: %w", err)
		}
		c.KeywordsProcessed += delta.KeywordsProcessed
		c.SERPResults += delta.SERPResults
		c.PagesScraped += delta.PagesScraped
		c.PagesAnalyzed += delta.PagesAnalyzed
		c.CompaniesEnriched += delta.CompaniesEnriched

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode counters: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET counters = ? WHERE id = ?`, string(data), id)
		return err
	})
}

// SetPhaseResult stores a phase's typed result payload on the run row.
func (s *Store) SetPhaseResult(ctx context.Context, id, phase string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode phase result: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT phase_results FROM pipeline_runs WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read phase results: %w", err)
		}
		results := map[string]json.RawMessage{}
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			return fmt.Errorf("failed to decode phase results: %w", err)
		}
		results[phase] = payload

		data, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("failed to encode phase results: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET phase_results = ? WHERE id = ?`, string(data), id)
		return err
	})
}

// AppendRunError appends a message to the run's error list.
func (s *Store) AppendRunError(ctx context.Context, id, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT errors FROM pipeline_runs WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read errors: %w", err)
		}
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return fmt.Errorf("failed to decode errors: %w", err)
		}
		list = append(list, message)

		data, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("failed to encode errors: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET errors = ? WHERE id = ?`, string(data), id)
		return err
	})
}
