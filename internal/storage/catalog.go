package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AddTrackedItem inserts a catalog row and returns its id. The catalog is
// owned by the import tooling; the core only reads it.
func (s *Store) AddTrackedItem(ctx context.Context, it TrackedItem) (int64, error) {
	query := s.q(`INSERT INTO tracked_items (owner_id, kind, name, external_content_id, progress) VALUES (?, ?, ?, ?, ?)`)
	args := []any{it.OwnerID, string(it.Kind), it.Name, it.ExternalContentID, it.Progress}

	if s.driver == "postgres" {
		var id int64
		if err := s.db.QueryRowxContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to add tracked item: %w", err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to add tracked item: %w", err)
	}
	return res.LastInsertId()
}

// TrackedItem returns the item only when ownerID owns it.
func (s *Store) TrackedItem(ctx context.Context, id, ownerID int64) (TrackedItem, error) {
	var it TrackedItem
	err := s.db.GetContext(ctx, &it, s.q(`
		SELECT id, owner_id, kind, name, external_content_id, progress
		FROM tracked_items WHERE id = ? AND owner_id = ?`), id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedItem{}, ErrNotFound
	}
	if err != nil {
		return TrackedItem{}, fmt.Errorf("failed to get tracked item %d: %w", id, err)
	}
	return it, nil
}

// TrackedContentIDs returns the distinct external ids tracked for kind.
func (s *Store) TrackedContentIDs(ctx context.Context, kind ItemKind) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.q(`
		SELECT DISTINCT external_content_id FROM tracked_items
		WHERE kind = ? AND external_content_id IS NOT NULL
		ORDER BY external_content_id`), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked %s ids: %w", kind, err)
	}
	return ids, nil
}

// OwnersTracking returns the distinct owners tracking contentID as kind.
func (s *Store) OwnersTracking(ctx context.Context, kind ItemKind, contentID int64) ([]int64, error) {
	var owners []int64
	err := s.db.SelectContext(ctx, &owners, s.q(`
		SELECT DISTINCT owner_id FROM tracked_items
		WHERE kind = ? AND external_content_id = ?
		ORDER BY owner_id`), string(kind), contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners of %s %d: %w", kind, contentID, err)
	}
	return owners, nil
}
