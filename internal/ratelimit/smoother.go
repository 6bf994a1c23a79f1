// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// Smoother spreads outbound requests per service below the hard store-backed
// gates. The planning client is the main consumer; its API tolerates bursts
// badly even when the hourly budget has room.
type Smoother struct {
	mu       sync.Mutex
	limiters map[model.Service]*rate.Limiter
	defaults rate.Limit
	burst    int
}

// NewSmoother builds a smoother with a default rate for unconfigured
// services. rates maps services to requests per second.
func NewSmoother(defaultRate rate.Limit, burst int, rates map[model.Service]rate.Limit) *Smoother {
	s := &Smoother{
		limiters: make(map[model.Service]*rate.Limiter),
		defaults: defaultRate,
		burst:    burst,
	}
	for service, r := range rates {
		s.limiters[service] = rate.NewLimiter(r, burst)
	}
	return s
}

// Wait blocks until the service limiter grants a slot or ctx ends.
func (s *Smoother) Wait(ctx context.Context, service model.Service) error {
	return s.limiter(service).Wait(ctx)
}

// Allow reports without blocking whether a slot is available now.
func (s *Smoother) Allow(service model.Service) bool {
	return s.limiter(service).Allow()
}

func (s *Smoother) limiter(service model.Service) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[service]
	if !ok {
		l = rate.NewLimiter(s.defaults, s.burst)
		s.limiters[service] = l
	}
	return l
}
