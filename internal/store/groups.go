package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveGroup creates or replaces g and its full member list atomically.
func (s *Store) SaveGroup(ctx context.Context, g Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save group %s: %w", g.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO model_groups (id, strategy, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET strategy = excluded.strategy`),
		g.ID, g.Strategy, millis(g.CreatedAt)); err != nil {
		return fmt.Errorf("store: save group %s: %w", g.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM group_members WHERE group_id = ?`), g.ID); err != nil {
		return fmt.Errorf("store: save group %s: clear members: %w", g.ID, err)
	}

	for i, m := range g.Members {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO group_members (id, group_id, provider, target_model, weight, position)
			VALUES (?, ?, ?, ?, ?, ?)`),
			m.ID, g.ID, m.Provider, m.TargetModel, m.Weight, i); err != nil {
			return fmt.Errorf("store: save group %s: member %d: %w", g.ID, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save group %s: commit: %w", g.ID, err)
	}
	return nil
}

// ListGroups returns all groups with members in insertion order.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, strategy, created_at FROM model_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}

	var (
		groups []Group
		index  = map[string]int{}
	)
	for rows.Next() {
		var (
			g  Group
			ms int64
		)
		if err := rows.Scan(&g.ID, &g.Strategy, &ms); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		g.CreatedAt = fromMillis(ms)
		index[g.ID] = len(groups)
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, provider, target_model, weight
		FROM group_members ORDER BY group_id, position`)
	if err != nil {
		return nil, fmt.Errorf("store: list group members: %w", err)
	}
	defer mrows.Close()

	for mrows.Next() {
		var m Member
		if err := mrows.Scan(&m.ID, &m.GroupID, &m.Provider, &m.TargetModel, &m.Weight); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		if i, ok := index[m.GroupID]; ok {
			groups[i].Members = append(groups[i].Members, m)
		}
	}
	return groups, mrows.Err()
}

// DeleteGroup removes a group and its members.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete group %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM group_members WHERE group_id = ?`), id); err != nil {
		return fmt.Errorf("store: delete group %s: %w", id, err)
	}
	var res sql.Result
	if res, err = tx.ExecContext(ctx, s.q(`DELETE FROM model_groups WHERE id = ?`), id); err != nil {
		return fmt.Errorf("store: delete group %s: %w", id, err)
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return tx.Commit()
}
