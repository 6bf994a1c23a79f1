// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// EnsureGlobalCaps seeds one counter row per service and updates the cap on
// existing rows without touching the live count. Runs at startup so every
// orchestrator instance agrees on the limits.
func (s *SQLiteStore) EnsureGlobalCaps(ctx context.Context, caps map[model.Service]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for service, cap := range caps {
		_, err := tx.ExecContext(ctx, `INSERT INTO global_concurrency (service, count, cap)
			VALUES (?, 0, ?)
			ON CONFLICT(service) DO UPDATE SET cap = excluded.cap`,
			string(service), cap,
		)
		if err != nil {
			return fmt.Errorf("ensure cap %s: %w", service, err)
		}
	}
	return tx.Commit()
}

// AcquireGlobal increments the service counter if headroom remains. Returns
// model.ErrGateBusy when the service is saturated. The guarded UPDATE makes
// the check-and-increment atomic across processes.
func (s *SQLiteStore) AcquireGlobal(ctx context.Context, service model.Service) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE global_concurrency SET count = count + 1
		 WHERE service = ? AND count < cap`,
		string(service),
	)
	if err != nil {
		return fmt.Errorf("acquire global %s: %w", service, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire global %s: %w", service, err)
	}
	if n == 0 {
		return fmt.Errorf("service %s: %w", service, model.ErrGateBusy)
	}
	return nil
}

// ReleaseGlobal decrements the service counter, flooring at zero so a stray
// double release cannot drive the count negative.
func (s *SQLiteStore) ReleaseGlobal(ctx context.Context, service model.Service) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE global_concurrency SET count = MAX(count - 1, 0) WHERE service = ?`,
		string(service),
	)
	if err != nil {
		return fmt.Errorf("release global %s: %w", service, err)
	}
	return nil
}

// AcquireWindow spends one call from the per-channel window budget. A window
// that has elapsed rolls over to a fresh count before the check. Returns
// model.ErrGateBusy when the budget for the current window is spent; window
// slots are never released, they expire with the window.
func (s *SQLiteStore) AcquireWindow(ctx context.Context, channelID string, service model.Service, cap int, window time.Duration) error {
	if cap <= 0 {
		return nil
	}
	now := s.now().UTC()
	windowStart := now.Truncate(window).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		start int64
		count int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate_counters WHERE channel_id = ? AND service = ?`,
		channelID, string(service),
	).Scan(&start, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		start, count = windowStart, 0
	case err != nil:
		return fmt.Errorf("read window %s/%s: %w", channelID, service, err)
	}

	if start != windowStart {
		start, count = windowStart, 0
	}
	if count >= cap {
		return fmt.Errorf("channel %s service %s: %w", channelID, service, model.ErrGateBusy)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO rate_counters
		(channel_id, service, window_start, count, cap)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, service) DO UPDATE SET
			window_start = excluded.window_start,
			count = excluded.count,
			cap = excluded.cap`,
		channelID, string(service), start, count+1, cap,
	)
	if err != nil {
		return fmt.Errorf("bump window %s/%s: %w", channelID, service, err)
	}
	return tx.Commit()
}

// ReconcileGlobal recomputes every global counter from the claimed task rows.
// The reaper runs this after releasing stale claims so counters leaked by a
// crashed worker converge back to the truth.
func (s *SQLiteStore) ReconcileGlobal(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT stage, COUNT(*) FROM tasks WHERE claimed_at IS NOT NULL GROUP BY stage`)
	if err != nil {
		return fmt.Errorf("count claimed: %w", err)
	}
	owned := make(map[model.Service]int)
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			rows.Close()
			return fmt.Errorf("scan claimed: %w", err)
		}
		owned[model.Stage(stage).Service()] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("count claimed: %w", err)
	}

	services, err := tx.QueryContext(ctx, `SELECT service FROM global_concurrency`)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	var names []string
	for services.Next() {
		var name string
		if err := services.Scan(&name); err != nil {
			services.Close()
			return fmt.Errorf("scan service: %w", err)
		}
		names = append(names, name)
	}
	services.Close()
	if err := services.Err(); err != nil {
		return fmt.Errorf("list services: %w", err)
	}

	for _, name := range names {
		_, err := tx.ExecContext(ctx,
			`UPDATE global_concurrency SET count = ? WHERE service = ?`,
			owned[model.Service(name)], name,
		)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", name, err)
		}
	}
	return tx.Commit()
}
