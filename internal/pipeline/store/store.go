// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store persists the orchestrator state: tasks, channels,
// credentials, gate counters and outbound sync jobs. Implementations must
// keep every operation a short transaction; nothing here may block on
// external work.
package store

import (
	"context"
	"time"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// GateFunc acquires the rate and concurrency gates for one claim candidate.
// It returns a release closure on success and model.ErrGateBusy when the
// candidate must be skipped.
type GateFunc func(ctx context.Context, channelID string, service model.Service) (func(), error)

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	ChannelID string
	Status    model.Status
	Limit     int
}

// StatusCount is one row of the queue-depth snapshot used by metrics.
type StatusCount struct {
	Status model.Status
	Count  int
}

// Store is the authoritative persistence boundary. The SQLite implementation
// is the production store; the memory implementation backs tests.
type Store interface {
	// Enqueue inserts a task or re-queues a terminal one with the same
	// planning page id. Active duplicates fail with model.ErrDuplicateTask.
	// The returned bool is true when a new row was created.
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Task, bool, error)

	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskByPage(ctx context.Context, planningPageID string) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error)

	// UpdateTask applies fn to the current row inside one short transaction.
	// fn mutates the task through model validation helpers; returning an
	// error aborts the update.
	UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error)

	// ClaimNext atomically claims the next task per the fairness rules. The
	// acquire func gates each candidate; its release closure is returned
	// with the task and must be called when the stage completes. (nil, nil,
	// nil) means no eligible work.
	ClaimNext(ctx context.Context, workerID string, acquire GateFunc) (*model.Task, func(), error)

	// ListStale returns worker-owned rows claimed before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*model.Task, error)

	// DueRetries returns error rows whose next_retry_at has arrived.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)

	CountByStatus(ctx context.Context) ([]StatusCount, error)

	UpsertChannel(ctx context.Context, ch *model.Channel) error
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
	GetChannelByKey(ctx context.Context, key string) (*model.Channel, error)
	ListChannels(ctx context.Context) ([]*model.Channel, error)

	PutCredential(ctx context.Context, cred *model.Credential) error
	GetCredential(ctx context.Context, channelID string, service model.Service) (*model.Credential, error)

	// Gate counters. Caps live in the rows so that every orchestrator
	// instance enforces the same limits.
	EnsureGlobalCaps(ctx context.Context, caps map[model.Service]int) error
	AcquireGlobal(ctx context.Context, service model.Service) error
	ReleaseGlobal(ctx context.Context, service model.Service) error
	AcquireWindow(ctx context.Context, channelID string, service model.Service, cap int, window time.Duration) error
	// ReconcileGlobal recomputes global counters from worker-owned rows so
	// slots leaked by crashed workers return to the pool.
	ReconcileGlobal(ctx context.Context) error

	EnqueueSync(ctx context.Context, planningPageID string, payload []byte) error
	// LeaseSyncJobs returns due jobs and pushes their next_attempt_at
	// forward by lease so concurrent sync workers do not double-send.
	LeaseSyncJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.SyncJob, error)
	CompleteSyncJob(ctx context.Context, id int64) error
	FailSyncJob(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastErr string) error
	DropSyncJob(ctx context.Context, id int64) error
	CountSyncJobs(ctx context.Context) (int, error)

	// Ping verifies the backing database answers. Readiness only.
	Ping(ctx context.Context) error
	Close() error
}
