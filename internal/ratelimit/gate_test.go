// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
)

func newGate(t *testing.T, limits map[model.Service]ServiceLimit) (*Gate, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	g, err := New(context.Background(), st, limits)
	require.NoError(t, err)
	return g, st
}

func TestGateAcquireReleasesSlot(t *testing.T) {
	g, st := newGate(t, map[model.Service]ServiceLimit{
		model.ServiceVideo: {Concurrency: 1},
	})
	ctx := context.Background()

	release, err := g.Acquire(ctx, "ch-1", model.ServiceVideo)
	require.NoError(t, err)
	require.Equal(t, 1, st.GlobalCount(model.ServiceVideo))

	_, err = g.Acquire(ctx, "ch-2", model.ServiceVideo)
	require.ErrorIs(t, err, model.ErrGateBusy)

	release()
	require.Equal(t, 0, st.GlobalCount(model.ServiceVideo))

	release() // double release must be a no-op
	require.Equal(t, 0, st.GlobalCount(model.ServiceVideo))

	rel2, err := g.Acquire(ctx, "ch-2", model.ServiceVideo)
	require.NoError(t, err)
	rel2()
}

func TestGateWindowFailureReturnsGlobalSlot(t *testing.T) {
	g, st := newGate(t, map[model.Service]ServiceLimit{
		model.ServiceVideo: {Concurrency: 5, WindowCap: 1, Window: time.Hour},
	})
	ctx := context.Background()

	release, err := g.Acquire(ctx, "ch-1", model.ServiceVideo)
	require.NoError(t, err)
	defer release()

	// Same channel, window spent: busy, and the global slot must not leak.
	_, err = g.Acquire(ctx, "ch-1", model.ServiceVideo)
	require.ErrorIs(t, err, model.ErrGateBusy)
	require.Equal(t, 1, st.GlobalCount(model.ServiceVideo))

	// A different channel has its own window budget.
	rel2, err := g.Acquire(ctx, "ch-2", model.ServiceVideo)
	require.NoError(t, err)
	rel2()
}

func TestGateUnknownServiceIsAnError(t *testing.T) {
	g, _ := newGate(t, map[model.Service]ServiceLimit{
		model.ServiceVideo: {Concurrency: 1},
	})
	_, err := g.Acquire(context.Background(), "ch-1", model.ServiceAudio)
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrGateBusy)
}

func TestSmootherBlocksUntilSlot(t *testing.T) {
	s := NewSmoother(rate.Limit(100), 1, map[model.Service]rate.Limit{
		model.ServicePlanning: rate.Limit(50),
	})

	ctx := context.Background()
	require.NoError(t, s.Wait(ctx, model.ServicePlanning))

	// Burst of 1: the second call needs ~20ms at 50 req/s.
	start := time.Now()
	require.NoError(t, s.Wait(ctx, model.ServicePlanning))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSmootherDefaultRateForUnknownService(t *testing.T) {
	s := NewSmoother(rate.Limit(1000), 10, nil)
	require.True(t, s.Allow(model.ServiceUpload))
}
