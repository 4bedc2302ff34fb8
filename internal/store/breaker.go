package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveBreakerState checkpoints one circuit breaker.
func (s *Store) SaveBreakerState(ctx context.Context, b *BreakerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_states
			(service, state, consecutive_failures, last_failure_at, open_until, cool_down_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			last_failure_at = excluded.last_failure_at,
			open_until = excluded.open_until,
			cool_down_seconds = excluded.cool_down_seconds`,
		b.Service, b.State, b.ConsecutiveFailures,
		nullableTime(b.LastFailureAt), nullableTime(b.OpenUntil), b.CoolDownSeconds)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerStates returns all checkpointed breakers keyed by service.
func (s *Store) LoadBreakerStates(ctx context.Context) (map[string]*BreakerState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, state, consecutive_failures, last_failure_at, open_until, cool_down_seconds
		FROM breaker_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker states: %w", err)
	}
	defer rows.Close()

	out := map[string]*BreakerState{}
	for rows.Next() {
		var (
			b                 BreakerState
			lastFail, openTil sql.NullTime
		)
		if err := rows.Scan(&b.Service, &b.State, &b.ConsecutiveFailures,
			&lastFail, &openTil, &b.CoolDownSeconds); err != nil {
			return nil, err
		}
		b.LastFailureAt = scanNullTime(lastFail)
		b.OpenUntil = scanNullTime(openTil)
		out[b.Service] = &b
	}
	return out, rows.Err()
}
