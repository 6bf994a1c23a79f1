// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ratelimit composes the store-backed gates the scheduler acquires
// before handing a task to a worker. Counters live in the store so several
// orchestrator processes sharing one database enforce the same limits.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// Counters is the slice of the store the gate needs.
type Counters interface {
	EnsureGlobalCaps(ctx context.Context, caps map[model.Service]int) error
	AcquireGlobal(ctx context.Context, service model.Service) error
	ReleaseGlobal(ctx context.Context, service model.Service) error
	AcquireWindow(ctx context.Context, channelID string, service model.Service, cap int, window time.Duration) error
}

// ServiceLimit bounds one external service. Concurrency caps simultaneous
// stage executions across all channels; WindowCap/Window budget calls per
// channel. Zero WindowCap disables the window gate for the service.
type ServiceLimit struct {
	Concurrency int
	WindowCap   int
	Window      time.Duration
}

// DefaultLimits returns the shipping defaults. Video is the scarce resource;
// everything else is mostly politeness toward the generation services.
func DefaultLimits() map[model.Service]ServiceLimit {
	return map[model.Service]ServiceLimit{
		model.ServiceImage:    {Concurrency: 5, WindowCap: 30, Window: time.Hour},
		model.ServiceVideo:    {Concurrency: 3, WindowCap: 10, Window: time.Hour},
		model.ServiceAudio:    {Concurrency: 4, WindowCap: 20, Window: time.Hour},
		model.ServiceSFX:      {Concurrency: 4, WindowCap: 20, Window: time.Hour},
		model.ServiceAssembly: {Concurrency: 2},
		model.ServiceUpload:   {Concurrency: 2, WindowCap: 6, Window: time.Hour},
		model.ServicePlanning: {Concurrency: 4},
	}
}

// Gate acquires global-then-channel in a fixed order and releases in reverse.
// Window slots are spent, never returned; they expire with the window.
type Gate struct {
	counters Counters
	limits   map[model.Service]ServiceLimit

	mu   sync.Mutex
	held map[model.Service]int // per-process view for the gauge
}

// New seeds the global caps and returns the composed gate.
func New(ctx context.Context, counters Counters, limits map[model.Service]ServiceLimit) (*Gate, error) {
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	caps := make(map[model.Service]int, len(limits))
	for service, l := range limits {
		if l.Concurrency <= 0 {
			return nil, fmt.Errorf("service %s: concurrency cap must be positive", service)
		}
		caps[service] = l.Concurrency
	}
	if err := counters.EnsureGlobalCaps(ctx, caps); err != nil {
		return nil, fmt.Errorf("seed global caps: %w", err)
	}
	return &Gate{
		counters: counters,
		limits:   limits,
		held:     make(map[model.Service]int),
	}, nil
}

// Acquire claims one slot for (channel, service). The returned release frees
// the global slot exactly once. model.ErrGateBusy means skip the candidate.
func (g *Gate) Acquire(ctx context.Context, channelID string, service model.Service) (func(), error) {
	limit, ok := g.limits[service]
	if !ok {
		return nil, fmt.Errorf("service %s has no configured limits", service)
	}

	if err := g.counters.AcquireGlobal(ctx, service); err != nil {
		if errors.Is(err, model.ErrGateBusy) {
			metrics.IncGateAcquisition(string(service), "busy")
		}
		return nil, err
	}

	if limit.WindowCap > 0 {
		if err := g.counters.AcquireWindow(ctx, channelID, service, limit.WindowCap, limit.Window); err != nil {
			if relErr := g.counters.ReleaseGlobal(ctx, service); relErr != nil {
				err = errors.Join(err, relErr)
			}
			if errors.Is(err, model.ErrGateBusy) {
				metrics.IncGateAcquisition(string(service), "busy")
				metrics.IncWindowRejection(string(service))
			}
			return nil, err
		}
	}

	metrics.IncGateAcquisition(string(service), "acquired")
	g.track(service, +1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must survive a canceled claim context.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := g.counters.ReleaseGlobal(ctx, service); err == nil {
				g.track(service, -1)
			}
		})
	}
	return release, nil
}

func (g *Gate) track(service model.Service, delta int) {
	g.mu.Lock()
	g.held[service] += delta
	n := g.held[service]
	g.mu.Unlock()
	metrics.SetGlobalSlotsInUse(string(service), n)
}

// Limits exposes the configured limits, for the reaper and health report.
func (g *Gate) Limits() map[model.Service]ServiceLimit { return g.limits }
