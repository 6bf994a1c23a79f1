// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema migrations keyed by PRAGMA user_version. Each entry runs inside one
// transaction; the pragma is bumped after the statements succeed.
var migrations = []string{
	`
CREATE TABLE channels (
	id                TEXT PRIMARY KEY,
	key               TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	active            INTEGER NOT NULL DEFAULT 1,
	voice_id          TEXT NOT NULL DEFAULT '',
	branding_json     TEXT NOT NULL DEFAULT '{}',
	storage_strategy  TEXT NOT NULL DEFAULT 'inline',
	max_concurrent    INTEGER NOT NULL DEFAULT 1,
	publish_binding   TEXT NOT NULL DEFAULT '',
	auto_approve_json TEXT NOT NULL DEFAULT '[]',
	last_claimed_at   INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE tasks (
	id                 TEXT PRIMARY KEY,
	channel_id         TEXT NOT NULL REFERENCES channels(id),
	channel_key        TEXT NOT NULL DEFAULT '',
	planning_page_id   TEXT NOT NULL UNIQUE,
	title              TEXT NOT NULL DEFAULT '',
	topic              TEXT NOT NULL DEFAULT '',
	story_direction    TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	stage              TEXT NOT NULL DEFAULT 'assets',
	priority           INTEGER NOT NULL DEFAULT 1,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	claimed_at         INTEGER,
	claimed_by         TEXT NOT NULL DEFAULT '',
	next_retry_at      INTEGER,
	review_approved_at INTEGER,
	last_error         TEXT NOT NULL DEFAULT '',
	publish_url        TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE INDEX idx_tasks_channel_status ON tasks(channel_id, status);
CREATE INDEX idx_tasks_queued ON tasks(channel_id, priority DESC, created_at)
	WHERE status = 'QUEUED';
CREATE INDEX idx_tasks_claimed ON tasks(claimed_at)
	WHERE claimed_at IS NOT NULL;
CREATE INDEX idx_tasks_next_retry ON tasks(next_retry_at)
	WHERE next_retry_at IS NOT NULL;

CREATE TABLE credentials (
	channel_id   TEXT NOT NULL REFERENCES channels(id),
	service      TEXT NOT NULL,
	ciphertext   BLOB NOT NULL,
	refreshed_at INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	PRIMARY KEY (channel_id, service)
);

CREATE TABLE rate_counters (
	channel_id   TEXT NOT NULL,
	service      TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	cap          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, service)
);

CREATE TABLE global_concurrency (
	service TEXT PRIMARY KEY,
	count   INTEGER NOT NULL DEFAULT 0,
	cap     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE sync_jobs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	planning_page_id TEXT NOT NULL,
	payload          BLOB NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  INTEGER NOT NULL,
	last_error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_sync_due ON sync_jobs(next_attempt_at);
`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database user_version %d is newer than this binary (max %d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
