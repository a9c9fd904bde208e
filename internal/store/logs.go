package store

import (
	"context"
	"fmt"
)

const logColumns = `id, created_at, gateway_key, model, real_model, provider, status, status_code,
	stream, latency_ms, input_tokens, output_tokens, error, app, ip`

// InsertLog writes the initial row of a request, normally in the
// "processing" state.
func (s *Store) InsertLog(ctx context.Context, l RequestLog) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO request_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), logArgs(l)...)
	if err != nil {
		return fmt.Errorf("store: insert log %s: %w", l.ID, err)
	}
	return nil
}

// SaveLogs upserts a batch of rows in one transaction. A row whose id is
// already present (the processing row) has its outcome columns replaced.
func (s *Store) SaveLogs(ctx context.Context, logs []RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save logs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO request_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			real_model = excluded.real_model,
			provider = excluded.provider,
			status = excluded.status,
			status_code = excluded.status_code,
			latency_ms = excluded.latency_ms,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			error = excluded.error`))
	if err != nil {
		return fmt.Errorf("store: save logs: prepare: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx, logArgs(l)...); err != nil {
			return fmt.Errorf("store: save logs: %s: %w", l.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save logs: commit: %w", err)
	}
	return nil
}

// ListLogs returns the most recent rows, newest first.
func (s *Store) ListLogs(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+logColumns+`
		FROM request_logs ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list logs: %w", err)
	}
	defer rows.Close()

	var out []RequestLog
	for rows.Next() {
		var (
			l  RequestLog
			ms int64
		)
		if err := rows.Scan(&l.ID, &ms, &l.GatewayKey, &l.Model, &l.RealModel, &l.Provider,
			&l.Status, &l.StatusCode, &l.Stream, &l.LatencyMs, &l.InputTokens, &l.OutputTokens,
			&l.Error, &l.App, &l.IP); err != nil {
			return nil, fmt.Errorf("store: scan log: %w", err)
		}
		l.CreatedAt = fromMillis(ms)
		out = append(out, l)
	}
	return out, rows.Err()
}

func logArgs(l RequestLog) []any {
	return []any{
		l.ID, millis(l.CreatedAt), l.GatewayKey, l.Model, l.RealModel, l.Provider,
		l.Status, l.StatusCode, l.Stream, l.LatencyMs, l.InputTokens, l.OutputTokens,
		l.Error, l.App, l.IP,
	}
}
