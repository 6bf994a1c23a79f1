// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ServerConfig bounds the HTTP listeners and the graceful shutdown window.
type ServerConfig struct {
	// APIAddr is the API listen address (e.g. ":8080").
	APIAddr string

	// MetricsAddr is the Prometheus listen address. Empty disables the
	// metrics server.
	MetricsAddr string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// ShutdownTimeout caps graceful shutdown; servers or hooks still busy
	// past it are abandoned.
	ShutdownTimeout time.Duration
}

// Runner is a long-lived background loop owned by the manager. Run must
// block until its context is cancelled; any other return reaches the daemon
// error channel and brings the process down.
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// Deps contains dependencies required by the daemon Manager.
// This allows for clean dependency injection and easier testing.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// APIHandler is the HTTP handler for the API server
	APIHandler http.Handler

	// MetricsHandler is the HTTP handler for Prometheus metrics (if enabled)
	MetricsHandler http.Handler

	// Runners are launched in order on Start. Each one's stop hook is
	// registered at launch, so shutdown stops them in reverse order.
	Runners []Runner
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	for _, r := range d.Runners {
		if r.Name == "" || r.Run == nil {
			return ErrInvalidRunner
		}
	}
	return nil
}
