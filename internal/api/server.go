// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api hosts the planning webhook and the operator API. Handlers do
// one short store transaction each and publish wake notifications; no
// handler ever blocks on pipeline work.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/storymill/internal/api/middleware"
	"github.com/ManuGH/storymill/internal/auth"
	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/health"
	"github.com/ManuGH/storymill/internal/journal"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/bus"
	"github.com/ManuGH/storymill/internal/pipeline/store"
)

// Config wires the server. Store and Bus are required; everything else
// degrades gracefully when absent.
type Config struct {
	Store    store.Store
	Bus      bus.Bus
	Vault    *credentials.Vault
	Journal  *journal.Journal
	Recorder *events.Recorder
	Health   *health.Manager

	// WebhookSecret signs inbound plan payloads. Empty fails closed.
	WebhookSecret string
	// APIToken guards the operator API. Empty fails closed.
	APIToken string

	// TracingService enables otelhttp spans when non-empty.
	TracingService string
	// RateLimitPerMinute caps requests per client IP. 0 uses the default.
	RateLimitPerMinute int
}

// defaultRateLimit is requests per minute per client IP across the listener.
const defaultRateLimit = 600

// Server is the HTTP boundary of the orchestrator.
type Server struct {
	store   store.Store
	bus     bus.Bus
	vault   *credentials.Vault
	journal *journal.Journal
	rec     *events.Recorder
	health  *health.Manager

	secret []byte
	token  string

	tracingService string
	rateLimit      int

	logger zerolog.Logger
	now    func() time.Time
}

// New builds the server. It does not start listening; the daemon owns the
// http.Server lifecycle.
func New(cfg Config) *Server {
	rl := cfg.RateLimitPerMinute
	if rl <= 0 {
		rl = defaultRateLimit
	}
	return &Server{
		store:          cfg.Store,
		bus:            cfg.Bus,
		vault:          cfg.Vault,
		journal:        cfg.Journal,
		rec:            cfg.Recorder,
		health:         cfg.Health,
		secret:         []byte(cfg.WebhookSecret),
		token:          cfg.APIToken,
		tracingService: cfg.TracingService,
		rateLimit:      rl,
		logger:         log.WithComponent("api"),
		now:            time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Server) SetNowFunc(now func() time.Time) { s.now = now }

// Router assembles the route tree with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        s.tracingService,
		EnableLogging:         true,
		RateLimitPerMinute:    s.rateLimit,
	})

	if s.health != nil {
		r.Get("/health", s.health.ServeHealth)
		r.Get("/ready", s.health.ServeReady)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.WebhookRateLimit())
		r.Post("/webhook/plan", s.handlePlanWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/history", s.handleTaskHistory)
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
				r.Post("/requeue", s.handleRequeue)
				r.Post("/cancel", s.handleCancel)
			})
		})

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Get("/{id}", s.handleGetChannel)
			r.Put("/{id}/credentials/{service}", s.handlePutCredential)
		})
	})

	return r
}

// requireToken enforces bearer-token auth on the operator API. No token
// configured means no access.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			logger := log.WithComponentFromContext(r.Context(), "api")
			logger.Error().
				Str(log.FieldEvent, "auth.fail_closed").
				Msg("API_TOKEN not set, denying operator access")
			writeUnauthorized(w)
			return
		}
		if !auth.AuthorizeRequest(r, s.token) {
			logger := log.WithComponentFromContext(r.Context(), "api")
			logger.Warn().
				Str(log.FieldEvent, "auth.invalid_token").
				Str(log.FieldPath, r.URL.Path).
				Msg("operator request with missing or invalid token")
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// publishWake notifies idle workers that channelID may have claimable work.
func (s *Server) publishWake(ctx context.Context, channelID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.TopicWake, bus.Wake{ChannelID: channelID}); err != nil {
		logger := log.WithComponentFromContext(ctx, "api")
		logger.Warn().Err(err).
			Str(log.FieldChannelID, channelID).
			Msg("wake publish failed")
	}
}
