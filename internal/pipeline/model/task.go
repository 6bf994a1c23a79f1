// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// Task is one unit of content production: a single video driven through the
// pipeline. Rows are never deleted; terminal rows remain for audit.
type Task struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channel_id"`
	ChannelKey     string    `json:"channel_key"`
	PlanningPageID string    `json:"planning_page_id"`
	Title          string    `json:"title"`
	Topic          string    `json:"topic,omitempty"`
	StoryDirection string    `json:"story_direction,omitempty"`
	Status         Status    `json:"status"`
	Stage          Stage     `json:"stage"`
	Priority       Priority  `json:"priority"`
	RetryCount     int       `json:"retry_count"`
	ClaimedBy      string    `json:"claimed_by,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	PublishURL     string    `json:"publish_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	ReviewApprovedAt *time.Time `json:"review_approved_at,omitempty"`
}

// Claimable reports whether the scheduler may hand the task to a worker at
// time now. Gate statuses become claimable through approval; QUEUED rows wait
// out their retry delay.
func (t *Task) Claimable(now time.Time) bool {
	switch t.Status {
	case StatusQueued:
		return t.NextRetryAt == nil || !t.NextRetryAt.After(now)
	case StatusAssetsApproved, StatusVideoApproved, StatusAudioApproved:
		return true
	case StatusFinalReview:
		return t.ReviewApprovedAt != nil
	}
	return false
}

// ClaimStage returns the stage a claim of this task enters. For QUEUED rows
// that is the stage cursor; for approved gates it is the stage after the
// gate.
func (t *Task) ClaimStage() Stage {
	if t.Status == StatusQueued {
		return t.Stage
	}
	return StageAfterApproval(t.Status)
}

// Advance moves the task along one validated edge. Every status write in the
// system goes through here or through the claim path, which validates the
// same way.
func (t *Task) Advance(to Status) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	return nil
}

// EnqueueRequest carries the fields webhook ingest and the operator API
// supply when creating or re-queueing a task.
type EnqueueRequest struct {
	ChannelID      string
	PlanningPageID string
	Title          string
	Topic          string
	StoryDirection string
	Priority       Priority
	Draft          bool // create as DRAFT instead of QUEUED
}

// StorageStrategy selects where a channel keeps produced artifacts.
type StorageStrategy string

const (
	StorageInline   StorageStrategy = "inline"
	StorageExternal StorageStrategy = "external"
)

// Gate names a human review point for per-channel auto-approval
// configuration.
type Gate string

const (
	GateAssets Gate = "assets"
	GateVideo  Gate = "video"
	GateAudio  Gate = "audio"
	GateFinal  Gate = "final"
)

// IsValid reports whether g names a known review gate.
func (g Gate) IsValid() bool {
	switch g {
	case GateAssets, GateVideo, GateAudio, GateFinal:
		return true
	}
	return false
}

// GateForStatus maps a parked review status to its gate name.
func GateForStatus(s Status) Gate {
	switch s {
	case StatusAssetsReady:
		return GateAssets
	case StatusVideoReady:
		return GateVideo
	case StatusAudioReady:
		return GateAudio
	case StatusFinalReview:
		return GateFinal
	}
	return ""
}

// Channel is a tenant. Channels are never destroyed while tasks reference
// them; archiving sets Active false.
type Channel struct {
	ID              string            `json:"id"`
	Key             string            `json:"key"`
	Name            string            `json:"name"`
	Active          bool              `json:"active"`
	VoiceID         string            `json:"voice_id,omitempty"`
	Branding        map[string]string `json:"branding,omitempty"`
	StorageStrategy StorageStrategy   `json:"storage_strategy"`
	MaxConcurrent   int               `json:"max_concurrent"`
	PublishBinding  string            `json:"publish_binding,omitempty"`
	AutoApprove     []Gate            `json:"auto_approve,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`

	// LastClaimedAt is the round-robin scheduling key, bumped by every claim.
	LastClaimedAt *time.Time `json:"last_claimed_at,omitempty"`
}

// AutoApproves reports whether the channel skips human review at gate g.
func (c *Channel) AutoApproves(g Gate) bool {
	for _, got := range c.AutoApprove {
		if got == g {
			return true
		}
	}
	return false
}

// Credential is the persisted, sealed token bundle for one (channel, service)
// pair. Plaintext never leaves the credentials package.
type Credential struct {
	ChannelID   string
	Service     Service
	Ciphertext  []byte
	RefreshedAt time.Time
	ExpiresAt   time.Time
}

// SyncJob is one outbound planning-store mutation. Jobs are leased by
// pushing NextAttemptAt forward, deleted on success, and dropped with a
// warning after the attempt cap.
type SyncJob struct {
	ID             int64
	PlanningPageID string
	Payload        []byte
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
}
