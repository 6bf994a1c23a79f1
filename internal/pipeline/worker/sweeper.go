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
	"github.com/ManuGH/storymill/internal/pipeline/bus"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultSweepBatch    = 50
)

// SweeperConfig wires a Sweeper. Zero values take defaults.
type SweeperConfig struct {
	Store    store.Store
	Recorder *events.Recorder
	Bus      bus.Bus
	Interval time.Duration
	Batch    int
}

// Sweeper re-queues error rows whose retry delay has elapsed. The stage
// cursor and retry count survive the re-queue, so the next claim resumes
// the failed stage with the attempt budget intact. Each tick also samples
// the per-status queue gauges.
type Sweeper struct {
	store    store.Store
	recorder *events.Recorder
	bus      bus.Bus
	interval time.Duration
	batch    int
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		store:    cfg.Store,
		recorder: cfg.Recorder,
		bus:      cfg.Bus,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		logger:   log.WithComponent("sweeper"),
		now:      time.Now,
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.batch <= 0 {
		s.batch = defaultSweepBatch
	}
	return s
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("retry sweep failed")
		}
		s.sampleGauges(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep re-queues all due retries once and returns how many moved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.DueRetries(ctx, now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}
	moved := 0
	woken := make(map[string]bool, len(due))
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		requeued, rerr := s.requeue(ctx, t, now)
		if rerr != nil {
			s.logger.Error().Err(rerr).Str(log.FieldTaskID, t.ID).Msg("requeue failed")
			continue
		}
		if requeued == nil {
			continue
		}
		moved++
		if !woken[requeued.ChannelID] {
			woken[requeued.ChannelID] = true
			s.publishWake(ctx, requeued.ChannelID)
		}
	}
	return moved, nil
}

func (s *Sweeper) requeue(ctx context.Context, t *model.Task, now time.Time) (*model.Task, error) {
	from := t.Status
	updated, err := s.store.UpdateTask(ctx, t.ID, func(x *model.Task) error {
		if !x.Status.IsError() || x.NextRetryAt == nil || x.NextRetryAt.After(now) {
			return model.ErrConflict
		}
		if aerr := x.Advance(model.StatusQueued); aerr != nil {
			return aerr
		}
		x.NextRetryAt = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}

	metrics.IncTaskEnqueued(updated.ChannelKey, "retry")
	s.recorder.Record(ctx, events.Event{
		Type:      events.TaskRequeued,
		TaskID:    updated.ID,
		ChannelID: updated.ChannelID,
		Stage:     string(updated.Stage),
		OldStatus: string(from),
		NewStatus: string(updated.Status),
		Attempt:   updated.RetryCount + 1,
		Reason:    "retry",
	})
	return updated, nil
}

func (s *Sweeper) sampleGauges(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	byStatus := make(map[model.Status]int, len(counts))
	for _, c := range counts {
		byStatus[c.Status] = c.Count
	}
	for _, st := range model.AllStatuses {
		metrics.SetTasksByStatus(string(st), byStatus[st])
	}
}

func (s *Sweeper) publishWake(ctx context.Context, channelID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.TopicWake, bus.Wake{ChannelID: channelID}); err != nil {
		s.logger.Warn().Err(err).Msg("wake publish failed")
	}
}
