// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package resilience

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// Schedule computes retry delays: exponential from Base, capped at Max,
// scaled by a uniform jitter in [0.75, 1.25]. Quota exhaustion floors the
// delay at QuotaFloor regardless of the attempt number.
type Schedule struct {
	Base        time.Duration
	Max         time.Duration
	QuotaFloor  time.Duration
	MaxAttempts int

	mu  sync.Mutex
	rnd *rand.Rand
}

// DefaultSchedule returns the production schedule: 60s base doubling to a
// 3600s cap, 1h quota floor, 4 attempts total (initial plus 3 retries).
func DefaultSchedule() *Schedule {
	return &Schedule{
		Base:        60 * time.Second,
		Max:         3600 * time.Second,
		QuotaFloor:  time.Hour,
		MaxAttempts: 4,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

// NewSchedule builds a schedule with explicit parameters; tests use short
// durations and a fixed seed.
func NewSchedule(base, max, quotaFloor time.Duration, maxAttempts int, seed int64) *Schedule {
	return &Schedule{
		Base:        base,
		Max:         max,
		QuotaFloor:  quotaFloor,
		MaxAttempts: maxAttempts,
		rnd:         rand.New(rand.NewSource(seed)), // #nosec G404 -- jitter only
	}
}

// Exhausted reports whether attempt (1-based) has burned the retry budget.
func (s *Schedule) Exhausted(attempt int) bool {
	return attempt >= s.MaxAttempts
}

// Delay returns the wait before the given attempt retries. attempt is
// 1-based: Delay(1) follows the first failure.
func (s *Schedule) Delay(attempt int, reason model.Reason) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.Base << (attempt - 1)
	if d > s.Max || d <= 0 {
		d = s.Max
	}
	d = time.Duration(float64(d) * s.jitter())
	if reason == model.ReasonQuotaExhausted && d < s.QuotaFloor {
		d = s.QuotaFloor
	}
	return d
}

func (s *Schedule) jitter() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter only
	}
	return 0.75 + 0.5*s.rnd.Float64()
}
