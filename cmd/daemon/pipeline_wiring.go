// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ManuGH/storymill/internal/alert"
	"github.com/ManuGH/storymill/internal/config"
	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/daemon"
	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/journal"
	"github.com/ManuGH/storymill/internal/pipeline/bus"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
	"github.com/ManuGH/storymill/internal/pipeline/worker"
	"github.com/ManuGH/storymill/internal/plansync"
	netpol "github.com/ManuGH/storymill/internal/platform/net"
	"github.com/ManuGH/storymill/internal/ratelimit"
	"github.com/ManuGH/storymill/internal/services"
	"github.com/ManuGH/storymill/internal/stage"
	"github.com/ManuGH/storymill/internal/workspace"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// pipeline bundles every long-lived component behind the worker fleet. The
// daemon owns their lifecycles through shutdown hooks registered in main.
type pipeline struct {
	store     *store.SQLiteStore
	bus       bus.Bus
	busClose  func() error // nil for the in-process bus
	journal   *journal.Journal
	recorder  *events.Recorder
	vault     *credentials.Vault
	workspace *workspace.Manager
	reloader  *config.ChannelReloader
	runners   []daemon.Runner
}

// buildPipeline opens storage, connects the wake bus and assembles the
// stage chain, workers and sweepers. Components whose service URL is not
// configured stay nil; their stages run only through per-channel command
// overrides.
func buildPipeline(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*pipeline, error) {
	st, err := store.Open(cfg.DBURL, store.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	jr, err := journal.Open(cfg.JournalDir, cfg.JournalTTL)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	rec := events.NewRecorder(jr)

	var (
		b        bus.Bus
		busClose func() error
	)
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedisBus(ctx, bus.RedisConfig{Addr: cfg.RedisAddr})
		if err != nil {
			return nil, fmt.Errorf("connect wake bus: %w", err)
		}
		b = rb
		busClose = rb.Close
	} else {
		b = bus.NewMemoryBus()
	}

	policy, err := services.PolicyForURLs(
		cfg.PlanningURL, cfg.ImageURL, cfg.VideoURL, cfg.AudioURL,
		cfg.SFXURL, cfg.UploadURL, cfg.AlertWebhook,
	)
	if err != nil {
		return nil, fmt.Errorf("outbound policy: %w", err)
	}

	alerts := alert.NewWebhook(cfg.AlertWebhook, "", rec)

	var vault *credentials.Vault
	if cfg.EncryptionKey != "" {
		cipher, err := credentials.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("credential cipher: %w", err)
		}
		refresher := services.NewTokenRefresher(tokenEndpoints(cfg), policy)
		vault = credentials.NewVault(st, cipher, refresher, rec, alerts)
	}

	gate, err := ratelimit.New(ctx, st, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("rate gate: %w", err)
	}

	ws, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.ChannelsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create channels dir: %w", err)
	}
	reloader := config.NewChannelReloader(cfg.ChannelsDir, st, rec)
	if err := reloader.Load(ctx); err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}

	deps := stage.Deps{
		Timeouts: cfg.StageTimeouts,
		Override: reloader.Override,
		Grace:    cfg.StageGrace,
	}
	if cfg.ImageURL != "" {
		images, err := services.NewImageClient(clientConfig(cfg.ImageURL, policy), vault)
		if err != nil {
			return nil, err
		}
		deps.Assets = stage.NewAssetsStage(images)
	}
	if cfg.VideoURL != "" {
		videos, err := services.NewVideoClient(clientConfig(cfg.VideoURL, policy), vault)
		if err != nil {
			return nil, err
		}
		deps.Video = stage.NewVideoStage(videos)
	}
	if cfg.AudioURL != "" {
		audio, err := services.NewAudioClient(clientConfig(cfg.AudioURL, policy), vault)
		if err != nil {
			return nil, err
		}
		deps.Audio = stage.NewAudioStage(audio)
	}
	if cfg.SFXURL != "" {
		sfx, err := services.NewSFXClient(clientConfig(cfg.SFXURL, policy), vault)
		if err != nil {
			return nil, err
		}
		deps.SFX = stage.NewSFXStage(sfx)
	}
	if cfg.AssemblerBin != "" {
		deps.Assemble = stage.NewAssembleStage(cfg.AssemblerBin, cfg.StageGrace)
	}
	if cfg.UploadURL != "" {
		uploads, err := services.NewUploadClient(clientConfig(cfg.UploadURL, policy))
		if err != nil {
			return nil, err
		}
		deps.Upload = stage.NewUploadStage(uploads, vault)
	}
	registry := stage.NewRegistry(deps)

	drivers := func(workerID string) *worker.Driver {
		return worker.NewDriver(worker.DriverDeps{
			Store:     st,
			Gate:      gate,
			Stages:    registry,
			Workspace: ws,
			Recorder:  rec,
			Alerts:    alerts,
			Bus:       b,
			WorkerID:  workerID,
		})
	}
	pool := worker.NewPool(worker.PoolConfig{
		Count:   cfg.WorkerCount,
		Poll:    cfg.PollInterval,
		Bus:     b,
		Drivers: drivers,
	})
	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Store:    st,
		Recorder: rec,
		Bus:      b,
		Interval: cfg.SweepInterval,
	})
	reaper := worker.NewReaper(worker.ReaperConfig{
		Store:    st,
		Recorder: rec,
		Alerts:   alerts,
		ClaimTTL: cfg.ClaimTTL,
		Interval: cfg.ReaperInterval,
	})

	// Runner order matters: stop hooks run LIFO, so the claim pool stops
	// first and the sweepers last.
	runners := []daemon.Runner{
		{Name: "sweeper", Run: sweeper.Run},
		{Name: "reaper", Run: reaper.Run},
	}
	if cfg.PlanningURL != "" {
		smoother := ratelimit.NewSmoother(rate.Limit(cfg.PlanningRate), planningBurst(cfg.PlanningRate), nil)
		planning, err := services.NewPlanningClient(clientConfig(cfg.PlanningURL, policy), cfg.PlanningToken, smoother)
		if err != nil {
			return nil, err
		}
		sync := plansync.NewPool(plansync.PoolConfig{
			Jobs:     st,
			Client:   planning,
			Recorder: rec,
		})
		runners = append(runners, daemon.Runner{Name: "plansync", Run: sync.Run})
	} else {
		logger.Warn().Msg("→ Planning sync: disabled (no planning URL); status writebacks stay queued")
	}
	runners = append(runners, daemon.Runner{Name: "pool", Run: pool.Run})

	return &pipeline{
		store:     st,
		bus:       b,
		busClose:  busClose,
		journal:   jr,
		recorder:  rec,
		vault:     vault,
		workspace: ws,
		reloader:  reloader,
		runners:   runners,
	}, nil
}

func clientConfig(baseURL string, policy netpol.OutboundPolicy) services.Config {
	return services.Config{BaseURL: baseURL, Policy: policy}
}

// tokenEndpoints maps each configured service to its token issuer. The
// convention is <base>/oauth/token; services without a base URL cannot
// refresh and ride their bundles to expiry.
func tokenEndpoints(cfg config.Config) map[model.Service]string {
	eps := make(map[model.Service]string)
	add := func(svc model.Service, base string) {
		if strings.TrimSpace(base) != "" {
			eps[svc] = strings.TrimRight(base, "/") + "/oauth/token"
		}
	}
	add(model.ServiceImage, cfg.ImageURL)
	add(model.ServiceVideo, cfg.VideoURL)
	add(model.ServiceAudio, cfg.AudioURL)
	add(model.ServiceSFX, cfg.SFXURL)
	add(model.ServiceUpload, cfg.UploadURL)
	return eps
}

// planningBurst allows up to one second of the configured rate in a burst,
// one request minimum.
func planningBurst(r float64) int {
	b := int(r)
	if b < 1 {
		b = 1
	}
	return b
}
