// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package workspace manages the on-disk project tree that stages read and
// write. Layout: <root>/channels/<channel_id>/projects/<task_id>/{assets,
// composites,videos,audio,sfx,final}. Directories are created lazily and the
// whole task subtree is removed once the task is published.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/storymill/internal/fsutil"
)

// Stage subdirectories of a project.
const (
	DirAssets     = "assets"
	DirComposites = "composites"
	DirVideos     = "videos"
	DirAudio      = "audio"
	DirSFX        = "sfx"
	DirFinal      = "final"
)

const dirMode = 0o750

// ManifestName is the assembly manifest file inside DirFinal.
const ManifestName = "manifest.json"

var subdirs = []string{DirAssets, DirComposites, DirVideos, DirAudio, DirSFX, DirFinal}

// idPattern rejects separators and dot-prefixed names, so a validated ID can
// never traverse out of the tree.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var ErrInvalidID = errors.New("workspace: invalid id")

// Manifest records the artifacts assembly produced, with paths relative to
// the project directory.
type Manifest struct {
	TaskID     string    `json:"task_id"`
	ChannelID  string    `json:"channel_id"`
	Composites []string  `json:"composites,omitempty"`
	Clips      []string  `json:"clips,omitempty"`
	Audio      string    `json:"audio,omitempty"`
	SFX        []string  `json:"sfx,omitempty"`
	FinalVideo string    `json:"final_video,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Manager hands out confined project directories under one root.
type Manager struct {
	root string
}

// NewManager resolves root to an absolute path and creates it.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, errors.New("workspace: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Manager{root: abs}, nil
}

func (m *Manager) Root() string { return m.root }

// CheckWritable probes the root with a create+remove. Used by health checks.
func (m *Manager) CheckWritable() error {
	f, err := os.CreateTemp(m.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("workspace not writable: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (m *Manager) projectDir(channelID, taskID string) (string, error) {
	if err := validateID(channelID); err != nil {
		return "", err
	}
	if err := validateID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, "channels", channelID, "projects", taskID), nil
}

// Project returns the handle for one task's tree, creating all stage
// subdirectories.
func (m *Manager) Project(channelID, taskID string) (*Project, error) {
	dir, err := m.projectDir(channelID, taskID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirMode); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", sub, err)
		}
	}
	return &Project{dir: dir, channelID: channelID, taskID: taskID}, nil
}

// Purge removes a task's subtree. Missing trees are not an error.
func (m *Manager) Purge(channelID, taskID string) error {
	dir, err := m.projectDir(channelID, taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workspace: purge %s: %w", taskID, err)
	}
	return nil
}

// Project is one task's confined directory tree.
type Project struct {
	dir       string
	channelID string
	taskID    string
}

func (p *Project) Dir() string       { return p.dir }
func (p *Project) TaskID() string    { return p.taskID }
func (p *Project) ChannelID() string { return p.channelID }

// SubDir returns the absolute path of a stage subdirectory.
func (p *Project) SubDir(sub string) string {
	return filepath.Join(p.dir, sub)
}

// File confines an externally supplied file name to a stage subdirectory.
// The name may contain slashes; it must stay inside the project.
func (p *Project) File(sub, name string) (string, error) {
	if name == "" {
		return "", errors.New("workspace: empty file name")
	}
	return fsutil.ConfineRelPath(p.dir, filepath.Join(sub, name))
}

// Rel converts an absolute path inside the project to a project-relative
// one for manifest entries.
func (p *Project) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(p.dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("workspace: %q outside project", abs)
	}
	return rel, nil
}

// WriteManifest atomically replaces final/manifest.json.
func (p *Project) WriteManifest(m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encode manifest: %w", err)
	}
	path := filepath.Join(p.dir, DirFinal, ManifestName)
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("workspace: pending manifest: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()
	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("workspace: write manifest: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("workspace: replace manifest: %w", err)
	}
	return nil
}

// ReadManifest loads final/manifest.json.
func (p *Project) ReadManifest() (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, DirFinal, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("workspace: decode manifest: %w", err)
	}
	return &m, nil
}
