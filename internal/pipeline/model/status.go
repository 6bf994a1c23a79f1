// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package model defines the task workflow: statuses, transitions, stages,
// priorities and the typed failure kinds the pipeline driver matches on.
package model

// Status is the workflow state of a task. Values are stored verbatim, so they
// are stable identifiers and must never be renamed.
type Status string

// Control statuses.
const (
	StatusDraft     Status = "DRAFT"
	StatusQueued    Status = "QUEUED"
	StatusClaimed   Status = "CLAIMED"
	StatusCancelled Status = "CANCELLED"
	StatusPublished Status = "PUBLISHED"
)

// In-progress statuses, in pipeline order.
const (
	StatusGeneratingAssets Status = "GENERATING_ASSETS"
	StatusAssetsReady      Status = "ASSETS_READY"
	StatusAssetsApproved   Status = "ASSETS_APPROVED"
	StatusGeneratingVideo  Status = "GENERATING_VIDEO"
	StatusVideoReady       Status = "VIDEO_READY"
	StatusVideoApproved    Status = "VIDEO_APPROVED"
	StatusGeneratingAudio  Status = "GENERATING_AUDIO"
	StatusAudioReady       Status = "AUDIO_READY"
	StatusAudioApproved    Status = "AUDIO_APPROVED"
	StatusGeneratingSFX    Status = "GENERATING_SFX"
	StatusAssembling       Status = "ASSEMBLING"
	StatusAssembled        Status = "ASSEMBLED"
	StatusFinalReview      Status = "FINAL_REVIEW"
	StatusUploading        Status = "UPLOADING"
)

// Error statuses. Terminal, but recoverable through the re-queue edge.
const (
	StatusAssetError    Status = "ASSET_ERROR"
	StatusVideoError    Status = "VIDEO_ERROR"
	StatusAudioError    Status = "AUDIO_ERROR"
	StatusSFXError      Status = "SFX_ERROR"
	StatusAssemblyError Status = "ASSEMBLY_ERROR"
	StatusUploadError   Status = "UPLOAD_ERROR"
)

// AllStatuses lists every status in the workflow. Order groups control,
// in-progress, then error statuses.
var AllStatuses = []Status{
	StatusDraft, StatusQueued, StatusClaimed, StatusCancelled, StatusPublished,
	StatusGeneratingAssets, StatusAssetsReady, StatusAssetsApproved,
	StatusGeneratingVideo, StatusVideoReady, StatusVideoApproved,
	StatusGeneratingAudio, StatusAudioReady, StatusAudioApproved,
	StatusGeneratingSFX, StatusAssembling, StatusAssembled,
	StatusFinalReview, StatusUploading,
	StatusAssetError, StatusVideoError, StatusAudioError,
	StatusSFXError, StatusAssemblyError, StatusUploadError,
}

// IsValid reports whether s is a known workflow status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusClaimed, StatusCancelled, StatusPublished,
		StatusGeneratingAssets, StatusAssetsReady, StatusAssetsApproved,
		StatusGeneratingVideo, StatusVideoReady, StatusVideoApproved,
		StatusGeneratingAudio, StatusAudioReady, StatusAudioApproved,
		StatusGeneratingSFX, StatusAssembling, StatusAssembled,
		StatusFinalReview, StatusUploading,
		StatusAssetError, StatusVideoError, StatusAudioError,
		StatusSFXError, StatusAssemblyError, StatusUploadError:
		return true
	}
	return false
}

// IsTerminal reports whether s is terminal: the task holds no resources and
// only the re-queue edge leads out.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDraft, StatusCancelled, StatusPublished:
		return true
	}
	return s.IsError()
}

// IsActive is the complement of IsTerminal. Exactly one of the two holds for
// every valid status.
func (s Status) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// IsError reports whether s is one of the stage error statuses.
func (s Status) IsError() bool {
	switch s {
	case StatusAssetError, StatusVideoError, StatusAudioError,
		StatusSFXError, StatusAssemblyError, StatusUploadError:
		return true
	}
	return false
}

// IsGate reports whether s parks the task for human review.
func (s Status) IsGate() bool {
	switch s {
	case StatusAssetsReady, StatusVideoReady, StatusAudioReady, StatusFinalReview:
		return true
	}
	return false
}

// IsWorkerOwned reports whether a worker holds the task while it is in s.
// claimed_at is non-null exactly for these statuses; the stale-claim reaper
// only ever considers them.
func (s Status) IsWorkerOwned() bool {
	switch s {
	case StatusClaimed,
		StatusGeneratingAssets, StatusGeneratingVideo, StatusGeneratingAudio,
		StatusGeneratingSFX, StatusAssembling, StatusAssembled, StatusUploading:
		return true
	}
	return false
}
