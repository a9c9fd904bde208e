package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// KeyPrefix starts every generated gateway key.
const KeyPrefix = "sk-gw-"

// GenerateKey returns a new random gateway key.
func GenerateKey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("store: generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b[:]), nil
}

const keyColumns = `token, name, usage_count, usage_limit, rate_limit_per_minute, is_active, is_hidden, created_at`

// CreateKey inserts k. A blank k.Key is filled with a generated one.
// Returns the stored key.
func (s *Store) CreateKey(ctx context.Context, k Key) (Key, error) {
	if k.Key == "" {
		tok, err := GenerateKey()
		if err != nil {
			return Key{}, err
		}
		k.Key = tok
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO gateway_keys (`+keyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		k.Key, k.Name, k.UsageCount, nullInt(k.UsageLimit), nullInt(k.RateLimitPerMinute),
		k.Active, k.Hidden, millis(k.CreatedAt))
	if err != nil {
		return Key{}, fmt.Errorf("store: create key: %w", err)
	}
	return k, nil
}

// UpdateKey replaces the mutable settings of an existing key. Usage is kept.
func (s *Store) UpdateKey(ctx context.Context, k Key) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE gateway_keys
		SET name = ?, usage_limit = ?, rate_limit_per_minute = ?, is_active = ?
		WHERE token = ?`),
		k.Name, nullInt(k.UsageLimit), nullInt(k.RateLimitPerMinute), k.Active, k.Key)
	if err != nil {
		return fmt.Errorf("store: update key: %w", err)
	}
	return mustAffect(res)
}

// EnsureKey inserts k unless a key with the same token already exists.
// Existing usage counters are never reset.
func (s *Store) EnsureKey(ctx context.Context, k Key) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO gateway_keys (`+keyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO NOTHING`),
		k.Key, k.Name, k.UsageCount, nullInt(k.UsageLimit), nullInt(k.RateLimitPerMinute),
		k.Active, k.Hidden, millis(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: ensure key %s: %w", k.Name, err)
	}
	return nil
}

// GetKey looks a key up by token.
func (s *Store) GetKey(ctx context.Context, token string) (Key, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+keyColumns+` FROM gateway_keys WHERE token = ?`), token)

	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, ErrNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("store: get key: %w", err)
	}
	return k, nil
}

// ListKeys returns keys ordered by creation. Hidden keys are included only
// when withHidden is set.
func (s *Store) ListKeys(ctx context.Context, withHidden bool) ([]Key, error) {
	query := `SELECT ` + keyColumns + ` FROM gateway_keys`
	if !withHidden {
		query += ` WHERE is_hidden = FALSE`
	}
	query += ` ORDER BY created_at, token`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteKey removes a key. Hidden keys are refused with ErrHiddenKey.
func (s *Store) DeleteKey(ctx context.Context, token string) error {
	k, err := s.GetKey(ctx, token)
	if err != nil {
		return err
	}
	if k.Hidden {
		return ErrHiddenKey
	}

	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM gateway_keys WHERE token = ? AND is_hidden = FALSE`), token)
	if err != nil {
		return fmt.Errorf("store: delete key: %w", err)
	}
	return mustAffect(res)
}

// IncrementUsage adds one to the key's usage counter and returns the new value.
func (s *Store) IncrementUsage(ctx context.Context, token string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`
		UPDATE gateway_keys SET usage_count = usage_count + 1
		WHERE token = ?
		RETURNING usage_count`), token).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: increment usage: %w", err)
	}
	return n, nil
}

func scanKey(r scanner) (Key, error) {
	var (
		k           Key
		limit, rate sql.NullInt64
		ms          int64
	)
	if err := r.Scan(&k.Key, &k.Name, &k.UsageCount, &limit, &rate, &k.Active, &k.Hidden, &ms); err != nil {
		return Key{}, err
	}
	k.UsageLimit = intPtr(limit)
	k.RateLimitPerMinute = intPtr(rate)
	k.CreatedAt = fromMillis(ms)
	return k, nil
}
