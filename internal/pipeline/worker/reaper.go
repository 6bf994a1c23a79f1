// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
	"github.com/ManuGH/storymill/internal/resilience"
)

const (
	// DefaultClaimTTL is how long a claim may go without finalize before the
	// worker is presumed dead. Must exceed the longest stage timeout.
	DefaultClaimTTL = 15 * time.Minute

	defaultReapInterval = time.Minute
)

// ReaperConfig wires a Reaper. Zero durations take defaults.
type ReaperConfig struct {
	Store    store.Store
	Recorder *events.Recorder
	Alerts   Alerter
	Backoff  *resilience.Schedule
	ClaimTTL time.Duration
	Interval time.Duration
}

// Reaper recovers tasks whose worker died mid-claim. Stale rows move to
// their stage error status with a worker-timeout retry scheduled; a stale
// ASSEMBLED row parks at final review instead, since its artifacts are
// already on disk. Global gate counters are reconciled afterwards so leaked
// slots return to the pool.
type Reaper struct {
	store    store.Store
	recorder *events.Recorder
	alerts   Alerter
	backoff  *resilience.Schedule
	claimTTL time.Duration
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReaper(cfg ReaperConfig) *Reaper {
	r := &Reaper{
		store:    cfg.Store,
		recorder: cfg.Recorder,
		alerts:   cfg.Alerts,
		backoff:  cfg.Backoff,
		claimTTL: cfg.ClaimTTL,
		interval: cfg.Interval,
		logger:   log.WithComponent("reaper"),
		now:      time.Now,
	}
	if r.backoff == nil {
		r.backoff = resilience.DefaultSchedule()
	}
	if r.claimTTL <= 0 {
		r.claimTTL = DefaultClaimTTL
	}
	if r.interval <= 0 {
		r.interval = defaultReapInterval
	}
	return r
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Msg("reap sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep recovers all stale claims once and returns how many it released.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.claimTTL)
	stale, err := r.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale claims: %w", err)
	}
	reaped := 0
	for _, t := range stale {
		if ctx.Err() != nil {
			break
		}
		if rerr := r.reap(ctx, t, cutoff); rerr != nil {
			r.logger.Error().Err(rerr).Str(log.FieldTaskID, t.ID).Msg("reap failed")
			continue
		}
		reaped++
	}
	if reaped > 0 {
		if rerr := r.store.ReconcileGlobal(ctx); rerr != nil {
			r.logger.Error().Err(rerr).Msg("gate reconcile failed")
		}
	}
	return reaped, nil
}

func (r *Reaper) reap(ctx context.Context, t *model.Task, cutoff time.Time) error {
	from := t.Status
	deadWorker := t.ClaimedBy
	var (
		attempt  int
		terminal bool
	)
	updated, err := r.store.UpdateTask(ctx, t.ID, func(x *model.Task) error {
		// Recheck under the transaction: the worker may have finalized, or
		// another reaper instance won the row.
		if !x.Status.IsWorkerOwned() || x.ClaimedAt == nil || x.ClaimedAt.After(cutoff) {
			return model.ErrConflict
		}
		attempt, terminal = x.RetryCount+1, false
		if x.Status == model.StatusAssembled {
			if aerr := x.Advance(model.StatusFinalReview); aerr != nil {
				return aerr
			}
			x.Stage = model.StageUpload
			clearClaim(x)
			return nil
		}
		if aerr := x.Advance(x.Stage.ErrorStatus()); aerr != nil {
			return aerr
		}
		x.LastError = "worker timeout: claim expired without finalize"
		clearClaim(x)
		if r.backoff.Exhausted(attempt) {
			terminal = true
			x.NextRetryAt = nil
			x.RetryCount = attempt
			return nil
		}
		nextRetry := r.now().Add(r.backoff.Delay(attempt, model.ReasonWorkerTimeout)).UTC()
		x.NextRetryAt = &nextRetry
		x.RetryCount = attempt
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil
		}
		return err
	}

	metrics.IncStaleClaimReleased()
	r.recorder.Record(ctx, events.Event{
		Type:      events.TaskReaped,
		TaskID:    updated.ID,
		ChannelID: updated.ChannelID,
		Stage:     string(t.Stage),
		OldStatus: string(from),
		NewStatus: string(updated.Status),
		Attempt:   attempt,
		Reason:    string(model.ReasonWorkerTimeout),
		Detail:    map[string]string{"claimed_by": deadWorker},
	})
	r.logger.Warn().
		Str(log.FieldTaskID, updated.ID).
		Str(log.FieldWorkerID, deadWorker).
		Str(log.FieldNewStatus, string(updated.Status)).
		Msg("stale claim released")
	if r.alerts != nil {
		r.alerts.StaleClaim(ctx, updated)
		if terminal {
			r.alerts.TaskFailed(ctx, updated, model.ReasonWorkerTimeout, updated.LastError)
		}
	}
	if terminal {
		r.recorder.Record(ctx, events.Event{
			Type:      events.TaskExhausted,
			TaskID:    updated.ID,
			ChannelID: updated.ChannelID,
			Stage:     string(t.Stage),
			OldStatus: string(from),
			NewStatus: string(updated.Status),
			Attempt:   attempt,
			Reason:    string(model.ReasonWorkerTimeout),
		})
	}
	return nil
}
