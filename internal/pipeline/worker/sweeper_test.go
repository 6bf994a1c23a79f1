// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/pipeline/bus"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
)

type sweeperEnv struct {
	store   *store.MemoryStore
	bus     *bus.MemoryBus
	sweeper *Sweeper
}

func newSweeperEnv(t *testing.T) *sweeperEnv {
	t.Helper()
	env := &sweeperEnv{
		store: store.NewMemoryStore(),
		bus:   bus.NewMemoryBus(),
	}
	env.sweeper = NewSweeper(SweeperConfig{
		Store:    env.store,
		Recorder: events.NewRecorder(nil),
		Bus:      env.bus,
	})
	return env
}

// seedError creates a task parked in ASSET_ERROR with the given retry state.
func (e *sweeperEnv) seedError(t *testing.T, retryCount int, nextRetry *time.Time) *model.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.UpsertChannel(ctx, &model.Channel{
		ID: "ch-1", Key: "adventures", Name: "Adventures",
		Active: true, MaxConcurrent: 2, StorageStrategy: model.StorageInline,
	}))
	task, _, err := e.store.Enqueue(ctx, model.EnqueueRequest{
		ChannelID: "ch-1", PlanningPageID: "page-1", Title: "The Lost Key",
		Priority: model.PriorityNormal,
	})
	require.NoError(t, err)
	updated, err := e.store.UpdateTask(ctx, task.ID, func(x *model.Task) error {
		x.Status = model.StatusAssetError
		x.RetryCount = retryCount
		x.NextRetryAt = nextRetry
		x.LastError = "429 from image service"
		return nil
	})
	require.NoError(t, err)
	return updated
}

func TestSweeperRequeuesDueRetry(t *testing.T) {
	env := newSweeperEnv(t)
	past := time.Now().Add(-time.Second).UTC()
	seeded := env.seedError(t, 2, &past)

	sub, err := env.bus.Subscribe(context.Background(), bus.TopicWake)
	require.NoError(t, err)
	defer sub.Close()

	moved, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	task, err := env.store.GetTask(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, task.Status)
	assert.Nil(t, task.NextRetryAt)
	assert.Equal(t, 2, task.RetryCount, "attempt budget survives the re-queue")
	assert.Equal(t, model.StageAssets, task.Stage, "cursor resumes the failed stage")
	assert.Equal(t, "429 from image service", task.LastError)

	select {
	case msg := <-sub.C():
		wake, ok := msg.(bus.Wake)
		require.True(t, ok)
		assert.Equal(t, "ch-1", wake.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("expected a wake after the re-queue")
	}
}

func TestSweeperHonorsFutureRetry(t *testing.T) {
	env := newSweeperEnv(t)
	future := time.Now().Add(time.Hour).UTC()
	seeded := env.seedError(t, 1, &future)

	moved, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)

	task, err := env.store.GetTask(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssetError, task.Status)
	require.NotNil(t, task.NextRetryAt)
}

func TestSweeperIgnoresTerminalErrors(t *testing.T) {
	env := newSweeperEnv(t)
	seeded := env.seedError(t, 3, nil) // exhausted: no retry scheduled

	moved, err := env.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)

	task, err := env.store.GetTask(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssetError, task.Status)
}
