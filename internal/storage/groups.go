package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsureGroup returns the group for chatID, creating it if needed. created is
// true when this call inserted the row.
func (s *Store) EnsureGroup(ctx context.Context, chatID int64) (g Group, created bool, err error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO notification_groups (chat_id, created_at) VALUES (?, ?)
		ON CONFLICT (chat_id) DO NOTHING`),
		chatID, time.Now().UnixMilli(),
	)
	if err != nil {
		return Group{}, false, fmt.Errorf("failed to create group for chat %d: %w", chatID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		created = true
	}
	g, err = s.GroupByChat(ctx, chatID)
	return g, created, err
}

func (s *Store) GroupByChat(ctx context.Context, chatID int64) (Group, error) {
	var g Group
	err := s.db.GetContext(ctx, &g, s.q(`SELECT id, chat_id FROM notification_groups WHERE chat_id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("failed to get group for chat %d: %w", chatID, err)
	}
	if err := s.db.SelectContext(ctx, &g.Members,
		s.q(`SELECT owner_id FROM group_members WHERE group_id = ? ORDER BY owner_id`), g.ID); err != nil {
		return Group{}, fmt.Errorf("failed to list members of group %d: %w", g.ID, err)
	}
	return g, nil
}

// AddMember is idempotent. It reports whether the owner was newly added.
func (s *Store) AddMember(ctx context.Context, groupID, ownerID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO group_members (group_id, owner_id) VALUES (?, ?)
		ON CONFLICT (group_id, owner_id) DO NOTHING`),
		groupID, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to add %d to group %d: %w", ownerID, groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// ListGroups returns every group with its members.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := s.db.SelectContext(ctx, &groups, `SELECT id, chat_id FROM notification_groups ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	var rows []struct {
		GroupID int64 `db:"group_id"`
		OwnerID int64 `db:"owner_id"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT group_id, owner_id FROM group_members ORDER BY group_id, owner_id`); err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	idx := make(map[int64]int, len(groups))
	for i, g := range groups {
		idx[g.ID] = i
	}
	for _, r := range rows {
		if i, ok := idx[r.GroupID]; ok {
			groups[i].Members = append(groups[i].Members, r.OwnerID)
		}
	}
	return groups, nil
}

// GroupsForOwner lists the groups ownerID belongs to, members included.
func (s *Store) GroupsForOwner(ctx context.Context, ownerID int64) ([]Group, error) {
	all, err := s.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var out []Group
	for _, g := range all {
		for _, m := range g.Members {
			if m == ownerID {
				out = append(out, g)
				break
			}
		}
	}
	return out, nil
}

// DeleteGroup removes the group row. Memberships go with it.
func (s *Store) DeleteGroup(ctx context.Context, groupID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM group_members WHERE group_id = ?`), groupID); err != nil {
		return fmt.Errorf("failed to delete members of group %d: %w", groupID, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM notification_groups WHERE id = ?`), groupID); err != nil {
		return fmt.Errorf("failed to delete group %d: %w", groupID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit group delete: %w", err)
	}
	return nil
}
