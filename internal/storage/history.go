package storage

import (
	"context"
	"fmt"
	"time"
)

// HasNotified is the advisory check. ClaimNotification is the guarantee.
func (s *Store) HasNotified(ctx context.Context, ownerID, contentID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.q(`SELECT COUNT(1) FROM notification_history WHERE owner_id = ? AND external_content_id = ?`),
		ownerID, contentID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to check history (%d, %d): %w", ownerID, contentID, err)
	}
	return n > 0, nil
}

// ClaimNotification inserts the dedup row. It returns false when the pair was
// already recorded; the unique constraint decides concurrent claims.
func (s *Store) ClaimNotification(ctx context.Context, ownerID, contentID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO notification_history (owner_id, external_content_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (owner_id, external_content_id) DO NOTHING`),
		ownerID, contentID, at.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record history (%d, %d): %w", ownerID, contentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// ReleaseNotification drops a claim whose delivery failed, so the next sweep
// can try again.
func (s *Store) ReleaseNotification(ctx context.Context, ownerID, contentID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM notification_history WHERE owner_id = ? AND external_content_id = ?`),
		ownerID, contentID,
	)
	if err != nil {
		return fmt.Errorf("failed to release history (%d, %d): %w", ownerID, contentID, err)
	}
	return nil
}

// PruneHistory deletes rows created before cutoff and returns how many went.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM notification_history WHERE created_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
