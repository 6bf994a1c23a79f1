// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package plansync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/resilience"
)

const (
	defaultInterval = 5 * time.Second
	defaultLease    = 2 * time.Minute
	defaultBatch    = 10
)

// Deliverer patches one planning page. *services.PlanningClient satisfies it.
type Deliverer interface {
	UpdateStatus(ctx context.Context, pageID, status string, fields map[string]any) error
}

// Jobs is the slice of the store the delivery side needs.
type Jobs interface {
	LeaseSyncJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.SyncJob, error)
	CompleteSyncJob(ctx context.Context, id int64) error
	FailSyncJob(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastErr string) error
	DropSyncJob(ctx context.Context, id int64) error
	CountSyncJobs(ctx context.Context) (int, error)
}

// PoolConfig wires a Pool. Zero durations take defaults.
type PoolConfig struct {
	Jobs     Jobs
	Client   Deliverer
	Recorder *events.Recorder
	Backoff  *resilience.Schedule
	Interval time.Duration
	Lease    time.Duration
	Batch    int
}

// Pool drains the sync queue. Jobs are leased by pushing next_attempt_at
// forward so a second instance never double-sends; transient delivery
// failures retry with backoff until the attempt budget is gone, then the
// job is dropped with a warning. Deliveries never touch task rows.
type Pool struct {
	jobs     Jobs
	client   Deliverer
	recorder *events.Recorder
	backoff  *resilience.Schedule
	interval time.Duration
	lease    time.Duration
	batch    int
	logger   zerolog.Logger
	now      func() time.Time
}

func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		jobs:     cfg.Jobs,
		client:   cfg.Client,
		recorder: cfg.Recorder,
		backoff:  cfg.Backoff,
		interval: cfg.Interval,
		lease:    cfg.Lease,
		batch:    cfg.Batch,
		logger:   log.WithComponent("plansync"),
		now:      time.Now,
	}
	if p.backoff == nil {
		p.backoff = resilience.DefaultSchedule()
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.lease <= 0 {
		p.lease = defaultLease
	}
	if p.batch <= 0 {
		p.batch = defaultBatch
	}
	return p
}

// Run drains until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Msg("sync drain failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain leases one batch of due jobs and delivers them. It returns the
// number of jobs removed from the queue (delivered or dropped).
func (p *Pool) Drain(ctx context.Context) (int, error) {
	jobs, err := p.jobs.LeaseSyncJobs(ctx, p.now(), p.lease, p.batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if p.deliver(ctx, job) {
			done++
		}
	}
	if depth, derr := p.jobs.CountSyncJobs(ctx); derr == nil {
		metrics.SetSyncQueueDepth(depth)
	}
	return done, nil
}

// deliver sends one job. True means the job left the queue.
func (p *Pool) deliver(ctx context.Context, job *model.SyncJob) bool {
	var u Update
	if err := json.Unmarshal(job.Payload, &u); err != nil {
		p.logger.Warn().Err(err).
			Str(log.FieldPlanningPageID, job.PlanningPageID).
			Msg("dropping undecodable sync job")
		_ = p.jobs.DropSyncJob(ctx, job.ID)
		metrics.IncSyncDelivery("dropped")
		return true
	}

	err := p.client.UpdateStatus(ctx, u.PlanningPageID, u.Status, u.Fields)
	if err == nil {
		if cerr := p.jobs.CompleteSyncJob(ctx, job.ID); cerr != nil {
			p.logger.Error().Err(cerr).Int64("job_id", job.ID).Msg("complete sync job failed")
			return false
		}
		metrics.IncSyncDelivery("delivered")
		p.recorder.Record(ctx, events.Event{
			Type:      events.SyncDelivered,
			NewStatus: u.Status,
			Attempt:   job.Attempts + 1,
			Detail:    map[string]string{"planning_page_id": u.PlanningPageID},
		})
		return true
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return false // lease expiry retries it
	}

	fail := model.AsStageFailure(err)
	attempts := job.Attempts + 1
	if fail.Class == model.FailurePermanent || p.backoff.Exhausted(attempts) {
		_ = p.jobs.DropSyncJob(ctx, job.ID)
		metrics.IncSyncDelivery("dropped")
		p.recorder.Record(ctx, events.Event{
			Type:    events.SyncDropped,
			Attempt: attempts,
			Reason:  string(fail.Reason),
			Err:     fail,
			Detail:  map[string]string{"planning_page_id": u.PlanningPageID},
		})
		return true
	}

	next := p.now().Add(p.backoff.Delay(attempts, fail.Reason))
	if ferr := p.jobs.FailSyncJob(ctx, job.ID, attempts, next, fail.Error()); ferr != nil {
		p.logger.Error().Err(ferr).Int64("job_id", job.ID).Msg("reschedule sync job failed")
		return false
	}
	metrics.IncSyncDelivery("retried")
	p.recorder.Record(ctx, events.Event{
		Type:    events.SyncRetry,
		Attempt: attempts,
		Reason:  string(fail.Reason),
		Detail: map[string]string{
			"planning_page_id": u.PlanningPageID,
			"next_attempt_at":  next.UTC().Format(time.RFC3339),
		},
	})
	return false
}
