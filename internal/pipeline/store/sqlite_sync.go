// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// EnqueueSync appends an outbound planning update. Later payloads for the
// same page supersede earlier ones, so only the newest row survives.
func (s *SQLiteStore) EnqueueSync(ctx context.Context, planningPageID string, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE planning_page_id = ?`, planningPageID,
	); err != nil {
		return fmt.Errorf("supersede sync job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_jobs (planning_page_id, payload, attempts, next_attempt_at)
		 VALUES (?, ?, 0, ?)`,
		planningPageID, payload, s.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("enqueue sync job: %w", err)
	}
	return tx.Commit()
}

// LeaseSyncJobs returns up to limit due jobs and pushes their
// next_attempt_at past the lease window, so a second syncer instance will
// not pick up the same rows while this one delivers them.
func (s *SQLiteStore) LeaseSyncJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.SyncJob, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, planning_page_id, payload, attempts, next_attempt_at, last_error
		 FROM sync_jobs WHERE next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease sync jobs: %w", err)
	}
	var jobs []*model.SyncJob
	for rows.Next() {
		var (
			j  model.SyncJob
			at int64
		)
		if err := rows.Scan(&j.ID, &j.PlanningPageID, &j.Payload, &j.Attempts, &at, &j.LastError); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sync job: %w", err)
		}
		j.NextAttemptAt = time.UnixMilli(at).UTC()
		jobs = append(jobs, &j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease sync jobs: %w", err)
	}

	deadline := now.Add(lease).UnixMilli()
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_jobs SET next_attempt_at = ? WHERE id = ?`, deadline, j.ID,
		); err != nil {
			return nil, fmt.Errorf("lease sync job %d: %w", j.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return jobs, nil
}

// CompleteSyncJob removes a delivered job.
func (s *SQLiteStore) CompleteSyncJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete sync job %d: %w", id, err)
	}
	return nil
}

// FailSyncJob records a delivery failure and schedules the next attempt.
func (s *SQLiteStore) FailSyncJob(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastErr string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts, nextAttempt.UnixMilli(), lastErr, id,
	); err != nil {
		return fmt.Errorf("fail sync job %d: %w", id, err)
	}
	return nil
}

// DropSyncJob discards a job that exhausted its attempts. Sync is
// fire-and-forget; the task itself is never blocked on planning updates.
func (s *SQLiteStore) DropSyncJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("drop sync job %d: %w", id, err)
	}
	return nil
}

// CountSyncJobs reports the outbound backlog, leased rows included.
func (s *SQLiteStore) CountSyncJobs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sync jobs: %w", err)
	}
	return n, nil
}
