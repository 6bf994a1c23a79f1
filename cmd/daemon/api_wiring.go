// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"net/http"

	"github.com/ManuGH/storymill/internal/api"
	"github.com/ManuGH/storymill/internal/config"
	"github.com/ManuGH/storymill/internal/health"
	"github.com/ManuGH/storymill/internal/version"
)

// buildHealth registers the readiness probes the API exposes. The key
// checker only exists when a vault is configured; a deliberately vault-less
// deployment must not report degraded forever.
func buildHealth(cfg config.Config, p *pipeline) *health.Manager {
	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewStoreChecker(p.store))
	hm.RegisterChecker(health.NewWritableChecker("workspace", p.workspace.CheckWritable))
	if cfg.EncryptionKey != "" {
		hm.RegisterChecker(health.NewKeyChecker(func() bool { return p.vault != nil }))
	}
	return hm
}

func buildAPI(cfg config.Config, p *pipeline, hm *health.Manager) http.Handler {
	tracing := ""
	if cfg.OTelEnabled {
		tracing = "storymill"
	}
	return api.New(api.Config{
		Store:              p.store,
		Bus:                p.bus,
		Vault:              p.vault,
		Journal:            p.journal,
		Recorder:           p.recorder,
		Health:             hm,
		WebhookSecret:      cfg.PlanningSecret,
		APIToken:           cfg.APIToken,
		TracingService:     tracing,
		RateLimitPerMinute: cfg.APIRateLimit,
	}).Router()
}
