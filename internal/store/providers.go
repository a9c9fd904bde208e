package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertProvider creates p or replaces its settings.
func (s *Store) UpsertProvider(ctx context.Context, p Provider) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO providers (name, provider_type, api_key, base_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			provider_type = excluded.provider_type,
			api_key = excluded.api_key,
			base_url = excluded.base_url`),
		p.Name, p.Family, p.APIKey, p.BaseURL, millis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert provider %s: %w", p.Name, err)
	}
	return nil
}

// GetProvider returns the provider called name.
func (s *Store) GetProvider(ctx context.Context, name string) (Provider, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT name, provider_type, api_key, base_url, created_at
		FROM providers WHERE name = ?`), name)

	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	if err != nil {
		return Provider{}, fmt.Errorf("store: get provider %s: %w", name, err)
	}
	return p, nil
}

// ListProviders returns all providers ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, provider_type, api_key, base_url, created_at
		FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProvider removes the provider called name.
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM providers WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("store: delete provider %s: %w", name, err)
	}
	return mustAffect(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(r scanner) (Provider, error) {
	var (
		p  Provider
		ms int64
	)
	if err := r.Scan(&p.Name, &p.Family, &p.APIKey, &p.BaseURL, &ms); err != nil {
		return Provider{}, err
	}
	p.CreatedAt = fromMillis(ms)
	return p, nil
}
