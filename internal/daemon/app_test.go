// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/storymill/internal/config"
	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/store"
)

type stubManager struct {
	startErr  error
	shutdowns atomic.Int32
}

func (s *stubManager) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}

func (s *stubManager) Shutdown(context.Context) error {
	s.shutdowns.Add(1)
	return nil
}

func (s *stubManager) RegisterShutdownHook(string, ShutdownHook) {}

func TestApp_RunWithoutManager(t *testing.T) {
	app := NewApp(log.WithComponent("test"), nil, nil)
	err := app.Run(context.Background())
	require.ErrorIs(t, err, ErrMissingManager)
}

func TestApp_CancelStopsCleanly(t *testing.T) {
	mgr := &stubManager{}
	app := NewApp(log.WithComponent("test"), mgr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(ctx)
	}()

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("app.Run did not return after cancellation")
	}
	assert.Equal(t, int32(0), mgr.shutdowns.Load(), "clean stop must not force a second shutdown")
}

func TestApp_StartFailureForcesShutdown(t *testing.T) {
	mgr := &stubManager{startErr: errors.New("pool: worker w0: boom")}
	app := NewApp(log.WithComponent("test"), mgr, nil)

	err := app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(1), mgr.shutdowns.Load())
}

func TestApp_WatchFailureIsNotFatal(t *testing.T) {
	// A reloader pointed at a missing directory cannot watch; Run must still
	// come up and stop cleanly.
	reloader := config.NewChannelReloader("/nonexistent/channels", store.NewMemoryStore(), events.NewRecorder(nil))
	mgr := &stubManager{}
	app := NewApp(log.WithComponent("test"), mgr, reloader)
	app.reloadSignal = nil // keep the test free of process signal handling

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(ctx)
	}()

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("app.Run did not return after cancellation")
	}
}
