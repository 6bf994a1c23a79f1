// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/storymill/internal/config"
)

// App owns the long-lived runtime lifecycle (channel reload wiring, signal
// handling) and delegates server management to Manager.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	reloader     *config.ChannelReloader
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. reloader may be nil.
func NewApp(logger zerolog.Logger, manager Manager, reloader *config.ChannelReloader) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		reloader:     reloader,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts all owned background subsystems and blocks until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// Channel watcher is best-effort: startup proceeds without it and the
	// reload signal still works.
	if a.reloader != nil {
		if err := a.reloader.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "channels.watch_failed").Msg("channel watcher not started")
		}
	}

	// Reload signal for operator-triggered channel reload.
	if a.reloader != nil && a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str("event", "channels.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading channels")
					a.reloader.Reload(context.Background())
				}
			}
		})
	}

	// Main server lifecycle.
	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			_ = a.manager.Shutdown(context.Background())
		}
		return err
	})

	return g.Wait()
}
