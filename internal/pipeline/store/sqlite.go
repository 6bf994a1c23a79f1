// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// Config tunes the SQLite connection pool.
type Config struct {
	BusyTimeoutMS   int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings suitable for the orchestrator: WAL
// readers plus a single serialized writer behind busy_timeout.
func DefaultConfig() Config {
	return Config{
		BusyTimeoutMS:   5000,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// SQLiteStore is the production Store. All writes run inside immediate
// transactions so concurrent workers serialize on the single writer instead
// of failing with SQLITE_BUSY mid-transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the orchestrator database at path. The path may
// be a plain file path or a complete file: DSN.
func Open(path string, cfg Config) (*SQLiteStore, error) {
	if cfg.BusyTimeoutMS <= 0 {
		cfg = DefaultConfig()
	}
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		dsn = fmt.Sprintf(
			"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
			path, cfg.BusyTimeoutMS,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying pool.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the pool for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// SetNowFunc overrides the clock. Test hook.
func (s *SQLiteStore) SetNowFunc(now func() time.Time) { s.now = now }

const taskCols = `id, channel_id, channel_key, planning_page_id, title, topic,
	story_direction, status, stage, priority, retry_count, claimed_at,
	claimed_by, next_retry_at, review_approved_at, last_error, publish_url,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*model.Task, error) {
	var (
		t                             model.Task
		priority                      int
		claimedAt, retryAt, reviewAt  sql.NullInt64
		createdAt, updatedAt          int64
		status, stage                 string
	)
	err := sc.Scan(
		&t.ID, &t.ChannelID, &t.ChannelKey, &t.PlanningPageID, &t.Title, &t.Topic,
		&t.StoryDirection, &status, &stage, &priority, &t.RetryCount, &claimedAt,
		&t.ClaimedBy, &retryAt, &reviewAt, &t.LastError, &t.PublishURL,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = model.Status(status)
	t.Stage = model.Stage(stage)
	t.Priority = model.Priority(priority)
	t.ClaimedAt = msToTimePtr(claimedAt)
	t.NextRetryAt = msToTimePtr(retryAt)
	t.ReviewApprovedAt = msToTimePtr(reviewAt)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

func msToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.UnixMilli(v.Int64).UTC()
	return &ts
}

func timePtrToMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (s *SQLiteStore) getTask(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, where string, arg any) (*model.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE `+where, arg)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// GetTask returns the task by id, or model.ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return s.getTask(ctx, s.db, "id = ?", id)
}

// GetTaskByPage returns the task by planning page id, or model.ErrNotFound.
func (s *SQLiteStore) GetTaskByPage(ctx context.Context, pageID string) (*model.Task, error) {
	return s.getTask(ctx, s.db, "planning_page_id = ?", pageID)
}

// ListTasks returns matching tasks, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + taskCols + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const updateTaskSQL = `UPDATE tasks SET
	channel_key = ?, title = ?, topic = ?, story_direction = ?, status = ?,
	stage = ?, priority = ?, retry_count = ?, claimed_at = ?, claimed_by = ?,
	next_retry_at = ?, review_approved_at = ?, last_error = ?, publish_url = ?,
	updated_at = ?
WHERE id = ?`

func writeTask(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	_, err := tx.ExecContext(ctx, updateTaskSQL,
		t.ChannelKey, t.Title, t.Topic, t.StoryDirection, string(t.Status),
		string(t.Stage), int(t.Priority), t.RetryCount, timePtrToMS(t.ClaimedAt),
		t.ClaimedBy, timePtrToMS(t.NextRetryAt), timePtrToMS(t.ReviewApprovedAt),
		t.LastError, t.PublishURL, t.UpdatedAt.UnixMilli(), t.ID,
	)
	return err
}

// UpdateTask applies fn to the row inside one immediate transaction. The
// transaction holds no external work; fn must be pure bookkeeping.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := s.getTask(ctx, tx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = s.now().UTC()
	if err := writeTask(ctx, tx, task); err != nil {
		return nil, fmt.Errorf("write task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// Enqueue implements the planning_page_id idempotency contract: active rows
// reject the duplicate, terminal rows re-queue in place for a fresh run.
func (s *SQLiteStore) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()

	existing, err := s.getTask(ctx, tx, "planning_page_id = ?", req.PlanningPageID)
	switch {
	case err == nil:
		if existing.Status.IsActive() {
			return nil, false, fmt.Errorf("planning page %s: %w", req.PlanningPageID, model.ErrDuplicateTask)
		}
		if err := existing.Advance(model.StatusQueued); err != nil {
			return nil, false, err
		}
		existing.Stage = model.StageAssets
		existing.RetryCount = 0
		existing.LastError = ""
		existing.NextRetryAt = nil
		existing.ReviewApprovedAt = nil
		existing.ClaimedAt = nil
		existing.ClaimedBy = ""
		if req.Title != "" {
			existing.Title = req.Title
		}
		if req.Topic != "" {
			existing.Topic = req.Topic
		}
		if req.StoryDirection != "" {
			existing.StoryDirection = req.StoryDirection
		}
		existing.Priority = req.Priority
		existing.UpdatedAt = now
		if err := writeTask(ctx, tx, existing); err != nil {
			return nil, false, fmt.Errorf("requeue task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return existing, false, nil

	case errors.Is(err, model.ErrNotFound):
		// fall through to insert

	default:
		return nil, false, err
	}

	ch := struct {
		key string
	}{}
	if err := tx.QueryRowContext(ctx, `SELECT key FROM channels WHERE id = ?`, req.ChannelID).Scan(&ch.key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("channel %s: %w", req.ChannelID, model.ErrNotFound)
		}
		return nil, false, fmt.Errorf("lookup channel: %w", err)
	}

	status := model.StatusQueued
	if req.Draft {
		status = model.StatusDraft
	}
	task := &model.Task{
		ID:             uuid.NewString(),
		ChannelID:      req.ChannelID,
		ChannelKey:     ch.key,
		PlanningPageID: req.PlanningPageID,
		Title:          req.Title,
		Topic:          req.Topic,
		StoryDirection: req.StoryDirection,
		Status:         status,
		Stage:          model.StageAssets,
		Priority:       req.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks (`+taskCols+`) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', NULL, NULL, '', '', ?, ?)`,
		task.ID, task.ChannelID, task.ChannelKey, task.PlanningPageID,
		task.Title, task.Topic, task.StoryDirection, string(task.Status),
		string(task.Stage), int(task.Priority), task.RetryCount,
		task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return task, true, nil
}

// claimCandidatesSQL ranks the best claimable task per channel, drops
// channels at their concurrency cap, and orders the remainder by the
// round-robin key. The small LIMIT bounds gate churn per claim attempt.
const claimCandidatesSQL = `
WITH claimable AS (
	SELECT ` + taskCols + `,
		ROW_NUMBER() OVER (
			PARTITION BY channel_id
			ORDER BY priority DESC, created_at ASC, id ASC
		) AS rn
	FROM tasks
	WHERE (status = 'QUEUED' AND (next_retry_at IS NULL OR next_retry_at <= ?1))
	   OR status IN ('ASSETS_APPROVED', 'VIDEO_APPROVED', 'AUDIO_APPROVED')
	   OR (status = 'FINAL_REVIEW' AND review_approved_at IS NOT NULL)
),
owned AS (
	SELECT channel_id, COUNT(*) AS n
	FROM tasks
	WHERE claimed_at IS NOT NULL
	GROUP BY channel_id
)
SELECT t.id, t.channel_id, t.channel_key, t.planning_page_id, t.title, t.topic,
	t.story_direction, t.status, t.stage, t.priority, t.retry_count, t.claimed_at,
	t.claimed_by, t.next_retry_at, t.review_approved_at, t.last_error, t.publish_url,
	t.created_at, t.updated_at
FROM claimable t
JOIN channels c ON c.id = t.channel_id
LEFT JOIN owned o ON o.channel_id = t.channel_id
WHERE t.rn = 1
  AND c.active = 1
  AND COALESCE(o.n, 0) < c.max_concurrent
ORDER BY c.last_claimed_at ASC NULLS FIRST, c.id ASC
LIMIT 16`

// ClaimNext picks the next task per round-robin fairness and priority,
// gating each candidate before the atomic claim. Candidates that lose the
// claim race or fail a gate are skipped, not errors.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string, acquire GateFunc) (*model.Task, func(), error) {
	now := s.now().UTC()

	rows, err := s.db.QueryContext(ctx, claimCandidatesSQL, now.UnixMilli())
	if err != nil {
		return nil, nil, fmt.Errorf("claim candidates: %w", err)
	}
	candidates, err := collectTasks(rows)
	rows.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("claim candidates: %w", err)
	}

	for _, cand := range candidates {
		stage := cand.ClaimStage()
		if !stage.IsValid() {
			return nil, nil, fmt.Errorf("task %s: status %s is claimable but has no stage", cand.ID, cand.Status)
		}

		release := func() {}
		if acquire != nil {
			rel, err := acquire(ctx, cand.ChannelID, stage.Service())
			if errors.Is(err, model.ErrGateBusy) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			release = rel
		}

		claimed, err := s.tryClaim(ctx, cand, workerID, stage, now)
		if err != nil {
			release()
			return nil, nil, err
		}
		if claimed == nil {
			release()
			continue
		}
		return claimed, release, nil
	}
	return nil, nil, nil
}

func (s *SQLiteStore) tryClaim(ctx context.Context, cand *model.Task, workerID string, stage model.Stage, now time.Time) (*model.Task, error) {
	running := stage.RunningStatus()
	if cand.Status == model.StatusQueued {
		if err := model.ValidateTransition(model.StatusQueued, model.StatusClaimed); err != nil {
			return nil, err
		}
		if err := model.ValidateTransition(model.StatusClaimed, running); err != nil {
			return nil, err
		}
	} else if err := model.ValidateTransition(cand.Status, running); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET
			status = ?, stage = ?, claimed_at = ?, claimed_by = ?,
			review_approved_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_at IS NULL`,
		string(running), string(stage), now.UnixMilli(), workerID,
		now.UnixMilli(), cand.ID, string(cand.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // lost the race
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET last_claimed_at = ? WHERE id = ?`,
		now.UnixMilli(), cand.ChannelID,
	); err != nil {
		return nil, fmt.Errorf("bump channel claim key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	claimed := *cand
	claimed.Status = running
	claimed.Stage = stage
	claimedAt := now
	claimed.ClaimedAt = &claimedAt
	claimed.ClaimedBy = workerID
	claimed.ReviewApprovedAt = nil
	claimed.UpdatedAt = now
	return &claimed, nil
}

// ListStale returns worker-owned rows claimed before the cutoff.
func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks
		 WHERE claimed_at IS NOT NULL AND claimed_at < ?
		 ORDER BY claimed_at ASC`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DueRetries returns error rows whose retry delay has elapsed.
func (s *SQLiteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks
		 WHERE next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC
		 LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due retries: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountByStatus snapshots row counts for the queue-depth gauges.
func (s *SQLiteStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		var status string
		if err := rows.Scan(&status, &sc.Count); err != nil {
			return nil, err
		}
		sc.Status = model.Status(status)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpsertChannel inserts or updates a channel. The round-robin key is never
// clobbered by config reloads.
func (s *SQLiteStore) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	branding, err := json.Marshal(ch.Branding)
	if err != nil {
		return fmt.Errorf("marshal branding: %w", err)
	}
	autoApprove, err := json.Marshal(ch.AutoApprove)
	if err != nil {
		return fmt.Errorf("marshal auto_approve: %w", err)
	}
	now := s.now().UTC().UnixMilli()

	_, err = s.db.ExecContext(ctx, `INSERT INTO channels
		(id, key, name, active, voice_id, branding_json, storage_strategy,
		 max_concurrent, publish_binding, auto_approve_json, last_claimed_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			name = excluded.name,
			active = excluded.active,
			voice_id = excluded.voice_id,
			branding_json = excluded.branding_json,
			storage_strategy = excluded.storage_strategy,
			max_concurrent = excluded.max_concurrent,
			publish_binding = excluded.publish_binding,
			auto_approve_json = excluded.auto_approve_json,
			updated_at = excluded.updated_at`,
		ch.ID, ch.Key, ch.Name, boolToInt(ch.Active), ch.VoiceID, string(branding),
		string(ch.StorageStrategy), ch.MaxConcurrent, ch.PublishBinding,
		string(autoApprove), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const channelCols = `id, key, name, active, voice_id, branding_json,
	storage_strategy, max_concurrent, publish_binding, auto_approve_json,
	last_claimed_at, created_at, updated_at`

func scanChannel(sc scanner) (*model.Channel, error) {
	var (
		ch                    model.Channel
		active                int
		branding, autoApprove string
		lastClaimed           sql.NullInt64
		createdAt, updatedAt  int64
	)
	err := sc.Scan(
		&ch.ID, &ch.Key, &ch.Name, &active, &ch.VoiceID, &branding,
		(*string)(&ch.StorageStrategy), &ch.MaxConcurrent, &ch.PublishBinding,
		&autoApprove, &lastClaimed, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	ch.Active = active != 0
	if err := json.Unmarshal([]byte(branding), &ch.Branding); err != nil {
		return nil, fmt.Errorf("channel %s: branding_json: %w", ch.ID, err)
	}
	if err := json.Unmarshal([]byte(autoApprove), &ch.AutoApprove); err != nil {
		return nil, fmt.Errorf("channel %s: auto_approve_json: %w", ch.ID, err)
	}
	ch.LastClaimedAt = msToTimePtr(lastClaimed)
	ch.CreatedAt = time.UnixMilli(createdAt).UTC()
	ch.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &ch, nil
}

func (s *SQLiteStore) getChannel(ctx context.Context, where string, arg any) (*model.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE `+where, arg)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return ch, nil
}

// GetChannel returns the channel by id, or model.ErrNotFound.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	return s.getChannel(ctx, "id = ?", id)
}

// GetChannelByKey returns the channel by its human key, or model.ErrNotFound.
func (s *SQLiteStore) GetChannelByKey(ctx context.Context, key string) (*model.Channel, error) {
	return s.getChannel(ctx, "key = ?", key)
}

// ListChannels returns all channels ordered by key.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelCols+` FROM channels ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// PutCredential stores the sealed bundle for (channel, service).
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *model.Credential) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials
		(channel_id, service, ciphertext, refreshed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, service) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			refreshed_at = excluded.refreshed_at,
			expires_at = excluded.expires_at`,
		cred.ChannelID, string(cred.Service), cred.Ciphertext,
		cred.RefreshedAt.UnixMilli(), cred.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential returns the sealed bundle, or model.ErrNotFound.
func (s *SQLiteStore) GetCredential(ctx context.Context, channelID string, service model.Service) (*model.Credential, error) {
	var (
		cred                   model.Credential
		refreshedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, refreshed_at, expires_at FROM credentials
		 WHERE channel_id = ? AND service = ?`,
		channelID, string(service),
	).Scan(&cred.Ciphertext, &refreshedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	cred.ChannelID = channelID
	cred.Service = service
	cred.RefreshedAt = time.UnixMilli(refreshedAt).UTC()
	cred.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &cred, nil
}
