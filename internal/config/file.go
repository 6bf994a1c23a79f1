// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// fileConfig is the YAML schema of the optional app config file. Durations
// are Go duration strings. Absent fields keep their current value.
type fileConfig struct {
	DBURL         string `yaml:"db_url"`
	EncryptionKey string `yaml:"encryption_key"`
	AlertWebhook  string `yaml:"alert_webhook"`
	WorkspaceRoot string `yaml:"workspace_root"`
	WorkerCount   *int   `yaml:"worker_count"`
	ChannelsDir   string `yaml:"channels_dir"`

	Planning struct {
		URL    string   `yaml:"url"`
		Secret string   `yaml:"secret"`
		Token  string   `yaml:"token"`
		Rate   *float64 `yaml:"rate"`
	} `yaml:"planning"`

	Services struct {
		ImageURL     string `yaml:"image_url"`
		VideoURL     string `yaml:"video_url"`
		AudioURL     string `yaml:"audio_url"`
		SFXURL       string `yaml:"sfx_url"`
		UploadURL    string `yaml:"upload_url"`
		AssemblerBin string `yaml:"assembler_bin"`
	} `yaml:"services"`

	API struct {
		Addr      string `yaml:"addr"`
		Token     string `yaml:"token"`
		RateLimit *int   `yaml:"rate_limit"`
	} `yaml:"api"`

	MetricsAddr string `yaml:"metrics_addr"`
	RedisAddr   string `yaml:"redis_addr"`

	Journal struct {
		Dir string `yaml:"dir"`
		TTL string `yaml:"ttl"`
	} `yaml:"journal"`

	LogLevel string `yaml:"log_level"`

	Limits map[string]struct {
		Concurrency *int   `yaml:"concurrency"`
		WindowCap   *int   `yaml:"window_cap"`
		Window      string `yaml:"window"`
	} `yaml:"limits"`

	StageTimeouts map[string]string `yaml:"stage_timeouts"`
	StageGrace    string            `yaml:"stage_grace"`

	Intervals struct {
		Poll          string `yaml:"poll"`
		Sweep         string `yaml:"sweep"`
		Reaper        string `yaml:"reaper"`
		ClaimTTL      string `yaml:"claim_ttl"`
		ShutdownGrace string `yaml:"shutdown_grace"`
	} `yaml:"intervals"`

	OTel struct {
		Enabled      *bool    `yaml:"enabled"`
		Exporter     string   `yaml:"exporter"`
		Endpoint     string   `yaml:"endpoint"`
		SamplingRate *float64 `yaml:"sampling_rate"`
	} `yaml:"otel"`

	Environment string `yaml:"environment"`
}

// applyFile overlays the YAML file at path onto cfg. A missing or broken
// file is a hard error; the operator asked for it by setting the path.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-chosen config path
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.DBURL, fc.DBURL)
	setString(&cfg.EncryptionKey, fc.EncryptionKey)
	setString(&cfg.AlertWebhook, fc.AlertWebhook)
	setString(&cfg.WorkspaceRoot, fc.WorkspaceRoot)
	setInt(&cfg.WorkerCount, fc.WorkerCount)
	setString(&cfg.ChannelsDir, fc.ChannelsDir)

	setString(&cfg.PlanningURL, fc.Planning.URL)
	setString(&cfg.PlanningSecret, fc.Planning.Secret)
	setString(&cfg.PlanningToken, fc.Planning.Token)
	setFloat(&cfg.PlanningRate, fc.Planning.Rate)

	setString(&cfg.ImageURL, fc.Services.ImageURL)
	setString(&cfg.VideoURL, fc.Services.VideoURL)
	setString(&cfg.AudioURL, fc.Services.AudioURL)
	setString(&cfg.SFXURL, fc.Services.SFXURL)
	setString(&cfg.UploadURL, fc.Services.UploadURL)
	setString(&cfg.AssemblerBin, fc.Services.AssemblerBin)

	setString(&cfg.APIAddr, fc.API.Addr)
	setString(&cfg.APIToken, fc.API.Token)
	setInt(&cfg.APIRateLimit, fc.API.RateLimit)

	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	setString(&cfg.RedisAddr, fc.RedisAddr)
	setString(&cfg.JournalDir, fc.Journal.Dir)
	if err := setDuration(&cfg.JournalTTL, fc.Journal.TTL, path, "journal.ttl"); err != nil {
		return err
	}
	setString(&cfg.LogLevel, fc.LogLevel)

	for name, entry := range fc.Limits {
		svc := model.Service(name)
		lim, ok := cfg.Limits[svc]
		if !ok {
			return fmt.Errorf("config file %s: limits names unknown service %q", path, name)
		}
		setInt(&lim.Concurrency, entry.Concurrency)
		setInt(&lim.WindowCap, entry.WindowCap)
		if err := setDuration(&lim.Window, entry.Window, path, "limits."+name+".window"); err != nil {
			return err
		}
		cfg.Limits[svc] = lim
	}

	for name, raw := range fc.StageTimeouts {
		st := model.Stage(name)
		if _, ok := cfg.StageTimeouts[st]; !ok {
			return fmt.Errorf("config file %s: stage_timeouts names unknown stage %q", path, name)
		}
		d := cfg.StageTimeouts[st]
		if err := setDuration(&d, raw, path, "stage_timeouts."+name); err != nil {
			return err
		}
		cfg.StageTimeouts[st] = d
	}
	if err := setDuration(&cfg.StageGrace, fc.StageGrace, path, "stage_grace"); err != nil {
		return err
	}

	if err := setDuration(&cfg.PollInterval, fc.Intervals.Poll, path, "intervals.poll"); err != nil {
		return err
	}
	if err := setDuration(&cfg.SweepInterval, fc.Intervals.Sweep, path, "intervals.sweep"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ReaperInterval, fc.Intervals.Reaper, path, "intervals.reaper"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ClaimTTL, fc.Intervals.ClaimTTL, path, "intervals.claim_ttl"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ShutdownGrace, fc.Intervals.ShutdownGrace, path, "intervals.shutdown_grace"); err != nil {
		return err
	}

	setBool(&cfg.OTelEnabled, fc.OTel.Enabled)
	setString(&cfg.OTelExporter, fc.OTel.Exporter)
	setString(&cfg.OTelEndpoint, fc.OTel.Endpoint)
	setFloat(&cfg.OTelSamplingRate, fc.OTel.SamplingRate)
	setString(&cfg.Environment, fc.Environment)

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, raw, path, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config file %s: %s: %w", path, field, err)
	}
	*dst = d
	return nil
}
