package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertKeywords stores keyword rows, overwriting text and active flag.
func (s *Store) UpsertKeywords(ctx context.Context, keywords []Keyword) error {
	if len(keywords) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO keywords (id, project, landscape, text, active)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				project = excluded.project,
				landscape = excluded.landscape,
				text = excluded.text,
				active = excluded.active`)
		if err != nil {
			return fmt.Errorf("failed to prepare keyword upsert: %w", err)
		}
		defer stmt.Close()
		for _, k := range keywords {
			if _, err := stmt.ExecContext(ctx, k.ID, k.Project, k.Landscape, k.Text, k.Active); err != nil {
				return fmt.Errorf("failed to upsert keyword %s: %w", k.ID, err)
			}
		}
		return nil
	})
}

// ActiveKeywords returns the active keywords of a project, optionally
// narrowed to explicit ids.
func (s *Store) ActiveKeywords(ctx context.Context, project string, ids []string) ([]Keyword, error) {
	query := `SELECT id, project, landscape, text, active FROM keywords WHERE project = ? AND active`
	args := []any{project}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keywords: %w", err)
	}
	defer rows.Close()

	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}

	var out []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.ID, &k.Project, &k.Landscape, &k.Text, &k.Active); err != nil {
			return nil, err
		}
		if len(want) > 0 && !want[k.ID] {
			continue
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetKeyword fetches one keyword, or ErrNotFound.
func (s *Store) GetKeyword(ctx context.Context, id string) (*Keyword, error) {
	var k Keyword
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project, landscape, text, active FROM keywords WHERE id = ?`, id).
		Scan(&k.ID, &k.Project, &k.Landscape, &k.Text, &k.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keyword: %w", err)
	}
	return &k, nil
}
