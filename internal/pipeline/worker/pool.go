// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/bus"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

const defaultPollInterval = 5 * time.Second

// PoolConfig wires a Pool. Count defaults to 1, Poll to 5s.
type PoolConfig struct {
	Count   int
	Poll    time.Duration
	Bus     bus.Bus
	Drivers func(workerID string) *Driver
}

// Pool runs Count claim loops. Each loop drains the queue, then blocks on a
// wake or the liveness poll. Wakes are advisory; a spurious wake costs one
// empty claim.
type Pool struct {
	count   int
	poll    time.Duration
	bus     bus.Bus
	drivers func(workerID string) *Driver
	logger  zerolog.Logger
}

func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		count:   cfg.Count,
		poll:    cfg.Poll,
		bus:     cfg.Bus,
		drivers: cfg.Drivers,
		logger:  log.WithComponent("worker"),
	}
	if p.count <= 0 {
		p.count = 1
	}
	if p.poll <= 0 {
		p.poll = defaultPollInterval
	}
	return p
}

// WorkerID builds the claim owner id for worker n on this process.
func WorkerID(n int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-w%d", host, os.Getpid(), n)
}

// Run blocks until ctx is cancelled and every worker loop has returned. A
// fatal claim cycle (IsFatal) stops every loop and is returned; operational
// errors only log and the loop keeps polling.
func (p *Pool) Run(ctx context.Context) error {
	var sub bus.Subscriber
	if p.bus != nil {
		var err error
		sub, err = p.bus.Subscribe(ctx, bus.TopicWake)
		if err != nil {
			return fmt.Errorf("subscribe wake topic: %w", err)
		}
		defer sub.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.count; i++ {
		d := p.drivers(WorkerID(i))
		g.Go(func() error {
			return p.loop(gctx, d, sub)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// loop drains claims, then sleeps until a wake or the poll tick. One wake
// message reaches one worker; a burst of enqueues fans out across the pool.
func (p *Pool) loop(ctx context.Context, d *Driver, sub bus.Subscriber) error {
	var wakeC <-chan bus.Message
	if sub != nil {
		wakeC = sub.C()
	}
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	logger := p.logger.With().Str(log.FieldWorkerID, d.workerID).Logger()
	logger.Info().Msg("worker started")
	defer logger.Info().Msg("worker stopped")

	for {
		for ctx.Err() == nil {
			claimed, err := d.RunOnce(ctx)
			if err != nil {
				if IsFatal(err) {
					logger.Error().Err(err).Msg("illegal transition computed, stopping pool")
					return fmt.Errorf("worker %s: %w", d.workerID, err)
				}
				switch {
				case errors.Is(err, context.Canceled):
				case errors.Is(err, model.ErrConflict):
					logger.Warn().Err(err).Msg("claim lost before finalize")
				default:
					logger.Error().Err(err).Msg("claim cycle failed")
				}
				break
			}
			if !claimed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wakeC:
		case <-ticker.C:
		}
	}
}
