// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/storymill/internal/config"
	"github.com/ManuGH/storymill/internal/daemon"
	smlog "github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/telemetry"
	"github.com/ManuGH/storymill/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	if rawURL == "" {
		return "not configured"
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsedURL.User = nil
	return parsedURL.String()
}

// exitCode maps a daemon failure to the process exit status. A refused
// status transition means the driver itself computed an illegal edge and
// the store needs inspection before a restart; that exits 2, everything
// else exits 1.
func exitCode(err error) int {
	var ite *model.InvalidTransitionError
	if errors.As(err, &ite) {
		return 2
	}
	return 1
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded.
	smlog.Configure(smlog.Config{
		Level:   "info",
		Service: "storymill",
	})
	logger := smlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load reads the file named by STORYMILL_CONFIG; the flag is an alias
	// for it. Precedence stays ENV > file > defaults either way.
	if *configPath != "" {
		_ = os.Setenv("STORYMILL_CONFIG", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Msg("failed to load configuration")
	}

	// Unknown STORYMILL_ variables are typos; production refuses to start
	// on them, everywhere else they only warn.
	if err := config.ValidateEnvUsage(cfg.Environment == "production"); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("environment validation failed")
	}

	if err := smlog.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn().
			Err(err).
			Str("level", cfg.LogLevel).
			Msg("unknown log level, keeping info")
	}

	if *configPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", *configPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "storymill",
		ServiceVersion: version.Version,
		Environment:    cfg.Environment,
		ExporterType:   cfg.OTelExporter,
		Endpoint:       cfg.OTelEndpoint,
		SamplingRate:   cfg.OTelSamplingRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("failed to initialize tracing")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.APIAddr).
		Msg("starting storymill")

	// Log key configuration
	logger.Info().Msgf("→ Store: %s", cfg.DBURL)
	logger.Info().Msgf("→ Workspace: %s (workers: %d)", cfg.WorkspaceRoot, cfg.WorkerCount)
	logger.Info().Msgf("→ Channels: %s", cfg.ChannelsDir)
	logger.Info().Msgf("→ Planning: %s (rate: %g/s)", maskURL(cfg.PlanningURL), cfg.PlanningRate)
	if cfg.RedisAddr != "" {
		logger.Info().Msgf("→ Wake bus: redis (%s)", cfg.RedisAddr)
	} else {
		logger.Info().Msg("→ Wake bus: in-process")
	}
	if cfg.APIToken != "" {
		logger.Info().Msg("→ API token: configured")
	} else {
		logger.Warn().
			Str("security", "weak").
			Msg("→ API token: NOT configured, operator endpoints reject all requests. Set STORYMILL_API_TOKEN.")
	}
	if cfg.EncryptionKey != "" {
		logger.Info().Msg("→ Credential vault: enabled")
	} else {
		logger.Warn().Msg("→ Credential vault: disabled (no encryption key); uploads need per-channel command overrides")
	}

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "pipeline.build_failed").
			Msg("failed to build pipeline")
	}

	hm := buildHealth(cfg, p)
	handler := buildAPI(cfg, p, hm)

	serverCfg := daemon.ServerConfig{
		APIAddr:         cfg.APIAddr,
		MetricsAddr:     cfg.MetricsAddr,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.ShutdownGrace,
	}
	mgr, err := daemon.NewManager(serverCfg, daemon.Deps{
		Logger:         logger,
		APIHandler:     handler,
		MetricsHandler: promhttp.Handler(),
		Runners:        p.runners,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.creation_failed").
			Msg("failed to create daemon manager")
	}

	// Close hooks run LIFO after every runner has stopped: watcher and
	// tracer first, the store last so late hooks can still read it.
	mgr.RegisterShutdownHook("store_close", func(context.Context) error { return p.store.Close() })
	mgr.RegisterShutdownHook("journal_close", func(context.Context) error { return p.journal.Close() })
	if p.busClose != nil {
		mgr.RegisterShutdownHook("bus_close", func(context.Context) error { return p.busClose() })
	}
	mgr.RegisterShutdownHook("telemetry_shutdown", tp.Shutdown)
	mgr.RegisterShutdownHook("channels_close", func(context.Context) error {
		p.reloader.Close()
		return nil
	})

	app := daemon.NewApp(logger, mgr, p.reloader)
	if err := app.Run(ctx); err != nil {
		logger.Error().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon exited with error")
		os.Exit(exitCode(err))
	}

	logger.Info().Msg("daemon exiting")
}
