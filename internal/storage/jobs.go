package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// UpsertJob inserts or replaces the row for j.ID.
func (s *Store) UpsertJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, "trigger", text, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET "trigger" = excluded."trigger", text = excluded.text, updated_at = excluded.updated_at`),
		j.ID, j.Trigger, j.Text, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", j.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, s.q(`SELECT id, "trigger", text, updated_at FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return j, nil
}

// DeleteJob removes the row. Deleting a missing row is not an error.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// DeleteJobIf removes the row only while it still carries trigger. It reports
// whether a row was deleted.
func (s *Store) DeleteJobIf(ctx context.Context, id, trigger string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ? AND "trigger" = ?`), id, trigger)
	if err != nil {
		return false, fmt.Errorf("failed to delete fired job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// ListJobs returns every ledger row ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	var out []Job
	if err := s.db.SelectContext(ctx, &out, `SELECT id, "trigger", text, updated_at FROM jobs ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return out, nil
}

// ListJobsForOwner returns rows whose id ends with ":<ownerID>", which covers
// both content and custom reminders.
func (s *Store) ListJobsForOwner(ctx context.Context, ownerID int64) ([]Job, error) {
	var out []Job
	err := s.db.SelectContext(ctx, &out,
		s.q(`SELECT id, "trigger", text, updated_at FROM jobs WHERE id LIKE ? ORDER BY id`),
		"%:"+strconv.FormatInt(ownerID, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for owner %d: %w", ownerID, err)
	}
	return out, nil
}
