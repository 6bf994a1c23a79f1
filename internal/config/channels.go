// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/stage"
)

// channelFile is the YAML schema of one file in the channels directory.
type channelFile struct {
	Key            string            `yaml:"key"`
	Name           string            `yaml:"name"`
	Active         *bool             `yaml:"active"`
	Voice          string            `yaml:"voice"`
	Branding       map[string]string `yaml:"branding"`
	Storage        string            `yaml:"storage"`
	MaxConcurrent  *int              `yaml:"max_concurrent"`
	AutoApprove    []string          `yaml:"auto_approve"`
	PublishBinding string            `yaml:"publish_binding"`
	Stages         map[string]struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
	} `yaml:"stages"`
}

// ChannelSpec is one parsed and validated channel definition. The ID is
// left empty; whoever applies the spec resolves it against the store.
type ChannelSpec struct {
	Channel   model.Channel
	Overrides map[model.Stage]stage.CommandOverride
}

// defaultMaxConcurrent bounds per-channel worker-owned tasks when the file
// does not say otherwise.
const defaultMaxConcurrent = 2

var channelKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// LoadChannels parses every .yml/.yaml file in dir. Any invalid file fails
// the whole load; a half-applied channel set is worse than the old one.
func LoadChannels(dir string) ([]ChannelSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read channels dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yml", ".yaml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	specs := make([]ChannelSpec, 0, len(files))
	byKey := make(map[string]string, len(files))
	for _, path := range files {
		spec, err := loadChannelFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := byKey[spec.Channel.Key]; dup {
			return nil, fmt.Errorf("channel key %q defined in both %s and %s", spec.Channel.Key, prev, path)
		}
		byKey[spec.Channel.Key] = path
		specs = append(specs, spec)
	}
	return specs, nil
}

func loadChannelFile(path string) (ChannelSpec, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-managed channels dir
	if err != nil {
		return ChannelSpec{}, fmt.Errorf("read channel file %s: %w", path, err)
	}

	var cf channelFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return ChannelSpec{}, fmt.Errorf("parse channel file %s: %w", path, err)
	}

	key := strings.TrimSpace(cf.Key)
	if key == "" {
		return ChannelSpec{}, fmt.Errorf("channel file %s: key is required", path)
	}
	if !channelKeyPattern.MatchString(key) {
		return ChannelSpec{}, fmt.Errorf("channel file %s: key %q must match %s", path, key, channelKeyPattern)
	}

	// Display names arrive from editors on several platforms; normalize so
	// byte-level comparisons and dedup behave.
	name := norm.NFC.String(strings.TrimSpace(cf.Name))
	if name == "" {
		name = key
	}

	storage := model.StorageInline
	switch cf.Storage {
	case "", string(model.StorageInline):
	case string(model.StorageExternal):
		storage = model.StorageExternal
	default:
		return ChannelSpec{}, fmt.Errorf("channel file %s: storage must be inline or external, got %q", path, cf.Storage)
	}

	maxConcurrent := defaultMaxConcurrent
	if cf.MaxConcurrent != nil {
		maxConcurrent = *cf.MaxConcurrent
	}
	if maxConcurrent < 1 || maxConcurrent > 16 {
		return ChannelSpec{}, fmt.Errorf("channel file %s: max_concurrent must be 1..16, got %d", path, maxConcurrent)
	}

	active := true
	if cf.Active != nil {
		active = *cf.Active
	}

	var gates []model.Gate
	for _, g := range cf.AutoApprove {
		gate := model.Gate(g)
		if !gate.IsValid() {
			return ChannelSpec{}, fmt.Errorf("channel file %s: auto_approve names unknown gate %q", path, g)
		}
		gates = append(gates, gate)
	}

	overrides := make(map[model.Stage]stage.CommandOverride, len(cf.Stages))
	for stName, o := range cf.Stages {
		st := model.Stage(stName)
		if !stageKnown(st) {
			return ChannelSpec{}, fmt.Errorf("channel file %s: stages names unknown stage %q", path, stName)
		}
		if strings.TrimSpace(o.Command) == "" {
			return ChannelSpec{}, fmt.Errorf("channel file %s: stages.%s.command is required", path, stName)
		}
		overrides[st] = stage.CommandOverride{Path: o.Command, Args: o.Args}
	}

	return ChannelSpec{
		Channel: model.Channel{
			Key:             key,
			Name:            name,
			Active:          active,
			VoiceID:         strings.TrimSpace(cf.Voice),
			Branding:        cf.Branding,
			StorageStrategy: storage,
			MaxConcurrent:   maxConcurrent,
			PublishBinding:  strings.TrimSpace(cf.PublishBinding),
			AutoApprove:     gates,
		},
		Overrides: overrides,
	}, nil
}

func stageKnown(st model.Stage) bool {
	for _, known := range model.Stages {
		if st == known {
			return true
		}
	}
	return false
}
