package store

import (
	"context"
	"fmt"
)

// UpsertAlias points a.Source at a.Target.
func (s *Store) UpsertAlias(ctx context.Context, a Alias) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO model_aliases (source_model, target_model) VALUES (?, ?)
		ON CONFLICT(source_model) DO UPDATE SET target_model = excluded.target_model`),
		a.Source, a.Target)
	if err != nil {
		return fmt.Errorf("store: upsert alias %s: %w", a.Source, err)
	}
	return nil
}

func (s *Store) ListAliases(ctx context.Context) ([]Alias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_model, target_model FROM model_aliases ORDER BY source_model`)
	if err != nil {
		return nil, fmt.Errorf("store: list aliases: %w", err)
	}
	defer rows.Close()

	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.Source, &a.Target); err != nil {
			return nil, fmt.Errorf("store: scan alias: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAlias(ctx context.Context, source string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM model_aliases WHERE source_model = ?`), source)
	if err != nil {
		return fmt.Errorf("store: delete alias %s: %w", source, err)
	}
	return mustAffect(res)
}
