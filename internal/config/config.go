// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the daemon configuration with env > YAML file >
// defaults precedence and owns the per-channel YAML directory, including
// its hot reload. Every knob logs its source at debug; secrets never
// appear in logs.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/storymill/internal/journal"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/ratelimit"
	"github.com/ManuGH/storymill/internal/stage"
)

// Config is the full daemon configuration.
type Config struct {
	DBURL         string
	EncryptionKey string
	AlertWebhook  string
	WorkspaceRoot string
	WorkerCount   int
	ChannelsDir   string

	PlanningURL    string
	PlanningSecret string
	PlanningToken  string
	PlanningRate   float64

	ImageURL  string
	VideoURL  string
	AudioURL  string
	SFXURL    string
	UploadURL string
	// AssemblerBin is the local assembler invoked by the assemble stage.
	AssemblerBin string

	APIAddr      string
	MetricsAddr  string
	APIToken     string
	APIRateLimit int

	// RedisAddr switches the wake bus to Redis pub/sub when set.
	RedisAddr string

	JournalDir string
	JournalTTL time.Duration

	LogLevel string

	// Limits carries the per-service concurrency and window caps.
	Limits map[model.Service]ratelimit.ServiceLimit

	StageTimeouts map[model.Stage]time.Duration
	// StageGrace is the SIGTERM grace for command-bound stages.
	StageGrace time.Duration

	PollInterval   time.Duration
	SweepInterval  time.Duration
	ReaperInterval time.Duration
	ClaimTTL       time.Duration
	ShutdownGrace  time.Duration

	OTelEnabled      bool
	OTelExporter     string
	OTelEndpoint     string
	OTelSamplingRate float64
	Environment      string
}

// Defaults returns the shipping configuration.
func Defaults() Config {
	return Config{
		DBURL:         "storymill.db",
		WorkspaceRoot: "workspace",
		WorkerCount:   4,
		ChannelsDir:   "channels",

		PlanningRate: 3,

		APIAddr:      ":8080",
		MetricsAddr:  ":9091",
		APIRateLimit: 600,

		JournalDir: "journal",
		JournalTTL: journal.DefaultTTL,

		LogLevel: "info",

		Limits:        ratelimit.DefaultLimits(),
		StageTimeouts: stageTimeoutDefaults(),
		StageGrace:    10 * time.Second,

		PollInterval:   5 * time.Second,
		SweepInterval:  5 * time.Second,
		ReaperInterval: time.Minute,
		ClaimTTL:       15 * time.Minute,
		ShutdownGrace:  30 * time.Second,

		OTelExporter:     "http",
		OTelSamplingRate: 1.0,
		Environment:      "production",
	}
}

func stageTimeoutDefaults() map[model.Stage]time.Duration {
	out := make(map[model.Stage]time.Duration, len(stage.DefaultTimeouts))
	for st, d := range stage.DefaultTimeouts {
		out[st] = d
	}
	return out
}

// knownEnvKeys is the complete env surface. ValidateEnvUsage flags
// anything else under the STORYMILL_ prefix.
var knownEnvKeys = []string{
	"STORYMILL_CONFIG",
	"STORYMILL_DB_URL",
	"STORYMILL_ENCRYPTION_KEY",
	"STORYMILL_ALERT_WEBHOOK",
	"STORYMILL_WORKSPACE_ROOT",
	"STORYMILL_WORKER_COUNT",
	"STORYMILL_CHANNELS_DIR",
	"STORYMILL_PLANNING_URL",
	"STORYMILL_PLANNING_SECRET",
	"STORYMILL_PLANNING_TOKEN",
	"STORYMILL_PLANNING_RATE",
	"STORYMILL_IMAGE_URL",
	"STORYMILL_VIDEO_URL",
	"STORYMILL_AUDIO_URL",
	"STORYMILL_SFX_URL",
	"STORYMILL_UPLOAD_URL",
	"STORYMILL_ASSEMBLER_BIN",
	"STORYMILL_API_ADDR",
	"STORYMILL_METRICS_ADDR",
	"STORYMILL_API_TOKEN",
	"STORYMILL_API_RATE_LIMIT",
	"STORYMILL_REDIS_ADDR",
	"STORYMILL_JOURNAL_DIR",
	"STORYMILL_JOURNAL_TTL",
	"STORYMILL_LOG_LEVEL",
	"STORYMILL_CAP_IMAGE",
	"STORYMILL_CAP_VIDEO",
	"STORYMILL_CAP_AUDIO",
	"STORYMILL_CAP_SFX",
	"STORYMILL_CAP_ASSEMBLY",
	"STORYMILL_CAP_UPLOAD",
	"STORYMILL_CAP_PLANNING",
	"STORYMILL_WINDOW_CAP_IMAGE",
	"STORYMILL_WINDOW_CAP_VIDEO",
	"STORYMILL_WINDOW_CAP_AUDIO",
	"STORYMILL_WINDOW_CAP_SFX",
	"STORYMILL_WINDOW_CAP_UPLOAD",
	"STORYMILL_STAGE_TIMEOUT_ASSETS",
	"STORYMILL_STAGE_TIMEOUT_VIDEO",
	"STORYMILL_STAGE_TIMEOUT_AUDIO",
	"STORYMILL_STAGE_TIMEOUT_SFX",
	"STORYMILL_STAGE_TIMEOUT_ASSEMBLE",
	"STORYMILL_STAGE_TIMEOUT_UPLOAD",
	"STORYMILL_STAGE_GRACE",
	"STORYMILL_POLL_INTERVAL",
	"STORYMILL_SWEEP_INTERVAL",
	"STORYMILL_REAPER_INTERVAL",
	"STORYMILL_CLAIM_TTL",
	"STORYMILL_SHUTDOWN_GRACE",
	"STORYMILL_OTEL_ENABLED",
	"STORYMILL_OTEL_EXPORTER",
	"STORYMILL_OTEL_ENDPOINT",
	"STORYMILL_OTEL_SAMPLING_RATE",
	"STORYMILL_ENVIRONMENT",
}

// Load builds the configuration: defaults, then the optional YAML file
// (STORYMILL_CONFIG), then the environment on top. The result is validated.
func Load() (Config, error) {
	cfg := Defaults()

	if path := ParseString("STORYMILL_CONFIG", ""); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays the environment onto cfg. Current values serve as the
// defaults, so env wins over the file which wins over Defaults.
func applyEnv(cfg *Config) {
	cfg.DBURL = ParseString("STORYMILL_DB_URL", cfg.DBURL)
	cfg.EncryptionKey = ParseString("STORYMILL_ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.AlertWebhook = ParseString("STORYMILL_ALERT_WEBHOOK", cfg.AlertWebhook)
	cfg.WorkspaceRoot = ParseString("STORYMILL_WORKSPACE_ROOT", cfg.WorkspaceRoot)
	cfg.WorkerCount = ParseInt("STORYMILL_WORKER_COUNT", cfg.WorkerCount)
	cfg.ChannelsDir = ParseString("STORYMILL_CHANNELS_DIR", cfg.ChannelsDir)

	cfg.PlanningURL = ParseString("STORYMILL_PLANNING_URL", cfg.PlanningURL)
	cfg.PlanningSecret = ParseString("STORYMILL_PLANNING_SECRET", cfg.PlanningSecret)
	cfg.PlanningToken = ParseString("STORYMILL_PLANNING_TOKEN", cfg.PlanningToken)
	cfg.PlanningRate = ParseFloat("STORYMILL_PLANNING_RATE", cfg.PlanningRate)

	cfg.ImageURL = ParseString("STORYMILL_IMAGE_URL", cfg.ImageURL)
	cfg.VideoURL = ParseString("STORYMILL_VIDEO_URL", cfg.VideoURL)
	cfg.AudioURL = ParseString("STORYMILL_AUDIO_URL", cfg.AudioURL)
	cfg.SFXURL = ParseString("STORYMILL_SFX_URL", cfg.SFXURL)
	cfg.UploadURL = ParseString("STORYMILL_UPLOAD_URL", cfg.UploadURL)
	cfg.AssemblerBin = ParseString("STORYMILL_ASSEMBLER_BIN", cfg.AssemblerBin)

	cfg.APIAddr = ParseString("STORYMILL_API_ADDR", cfg.APIAddr)
	cfg.MetricsAddr = ParseString("STORYMILL_METRICS_ADDR", cfg.MetricsAddr)
	cfg.APIToken = ParseString("STORYMILL_API_TOKEN", cfg.APIToken)
	cfg.APIRateLimit = ParseInt("STORYMILL_API_RATE_LIMIT", cfg.APIRateLimit)

	cfg.RedisAddr = ParseString("STORYMILL_REDIS_ADDR", cfg.RedisAddr)
	cfg.JournalDir = ParseString("STORYMILL_JOURNAL_DIR", cfg.JournalDir)
	cfg.JournalTTL = ParseDuration("STORYMILL_JOURNAL_TTL", cfg.JournalTTL)
	cfg.LogLevel = ParseString("STORYMILL_LOG_LEVEL", cfg.LogLevel)

	applyLimitEnv(cfg, model.ServiceImage, "IMAGE")
	applyLimitEnv(cfg, model.ServiceVideo, "VIDEO")
	applyLimitEnv(cfg, model.ServiceAudio, "AUDIO")
	applyLimitEnv(cfg, model.ServiceSFX, "SFX")
	applyLimitEnv(cfg, model.ServiceAssembly, "ASSEMBLY")
	applyLimitEnv(cfg, model.ServiceUpload, "UPLOAD")
	applyLimitEnv(cfg, model.ServicePlanning, "PLANNING")

	applyTimeoutEnv(cfg, model.StageAssets, "ASSETS")
	applyTimeoutEnv(cfg, model.StageVideo, "VIDEO")
	applyTimeoutEnv(cfg, model.StageAudio, "AUDIO")
	applyTimeoutEnv(cfg, model.StageSFX, "SFX")
	applyTimeoutEnv(cfg, model.StageAssemble, "ASSEMBLE")
	applyTimeoutEnv(cfg, model.StageUpload, "UPLOAD")
	cfg.StageGrace = ParseDuration("STORYMILL_STAGE_GRACE", cfg.StageGrace)

	cfg.PollInterval = ParseDuration("STORYMILL_POLL_INTERVAL", cfg.PollInterval)
	cfg.SweepInterval = ParseDuration("STORYMILL_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.ReaperInterval = ParseDuration("STORYMILL_REAPER_INTERVAL", cfg.ReaperInterval)
	cfg.ClaimTTL = ParseDuration("STORYMILL_CLAIM_TTL", cfg.ClaimTTL)
	cfg.ShutdownGrace = ParseDuration("STORYMILL_SHUTDOWN_GRACE", cfg.ShutdownGrace)

	cfg.OTelEnabled = ParseBool("STORYMILL_OTEL_ENABLED", cfg.OTelEnabled)
	cfg.OTelExporter = ParseString("STORYMILL_OTEL_EXPORTER", cfg.OTelExporter)
	cfg.OTelEndpoint = ParseString("STORYMILL_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelSamplingRate = ParseFloat("STORYMILL_OTEL_SAMPLING_RATE", cfg.OTelSamplingRate)
	cfg.Environment = ParseString("STORYMILL_ENVIRONMENT", cfg.Environment)
}

func applyLimitEnv(cfg *Config, svc model.Service, suffix string) {
	lim := cfg.Limits[svc]
	lim.Concurrency = ParseInt("STORYMILL_CAP_"+suffix, lim.Concurrency)
	// Assembly and planning are local resources without a quota window.
	if lim.WindowCap > 0 {
		lim.WindowCap = ParseInt("STORYMILL_WINDOW_CAP_"+suffix, lim.WindowCap)
	}
	cfg.Limits[svc] = lim
}

func applyTimeoutEnv(cfg *Config, st model.Stage, suffix string) {
	cfg.StageTimeouts[st] = ParseDuration("STORYMILL_STAGE_TIMEOUT_"+suffix, cfg.StageTimeouts[st])
}

// Validate rejects configurations the daemon cannot run with. Messages name
// the env key to fix.
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.DBURL) == "" {
		problems = append(problems, "STORYMILL_DB_URL must not be empty")
	}
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		problems = append(problems, "STORYMILL_WORKSPACE_ROOT must not be empty")
	}
	if strings.TrimSpace(c.ChannelsDir) == "" {
		problems = append(problems, "STORYMILL_CHANNELS_DIR must not be empty")
	}
	if c.WorkerCount < 1 || c.WorkerCount > 256 {
		problems = append(problems, fmt.Sprintf("STORYMILL_WORKER_COUNT must be 1..256, got %d", c.WorkerCount))
	}
	if c.EncryptionKey != "" {
		if len(c.EncryptionKey) != 64 {
			problems = append(problems, "STORYMILL_ENCRYPTION_KEY must be 64 hex characters (AES-256)")
		} else if _, err := hex.DecodeString(c.EncryptionKey); err != nil {
			problems = append(problems, "STORYMILL_ENCRYPTION_KEY is not valid hex")
		}
	}
	if c.PlanningRate <= 0 {
		problems = append(problems, fmt.Sprintf("STORYMILL_PLANNING_RATE must be positive, got %g", c.PlanningRate))
	}
	for svc, lim := range c.Limits {
		if lim.Concurrency < 1 {
			problems = append(problems, fmt.Sprintf("STORYMILL_CAP_%s must be at least 1, got %d",
				strings.ToUpper(string(svc)), lim.Concurrency))
		}
	}
	for st, d := range c.StageTimeouts {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("STORYMILL_STAGE_TIMEOUT_%s must be positive",
				strings.ToUpper(string(st))))
		}
	}
	if c.ClaimTTL <= 0 {
		problems = append(problems, "STORYMILL_CLAIM_TTL must be positive")
	}
	if c.OTelEnabled {
		switch c.OTelExporter {
		case "http", "grpc":
		default:
			problems = append(problems, fmt.Sprintf("STORYMILL_OTEL_EXPORTER must be http or grpc, got %q", c.OTelExporter))
		}
		if c.OTelSamplingRate < 0 || c.OTelSamplingRate > 1 {
			problems = append(problems, fmt.Sprintf("STORYMILL_OTEL_SAMPLING_RATE must be 0..1, got %g", c.OTelSamplingRate))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidationError aggregates every config problem so operators fix one boot
// attempt, not one problem per boot attempt.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}
