// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "fmt"

// transitions is the complete legal-edge table. Anything absent here fails
// validation; there is no bypass. Claims enter a stage through CLAIMED using
// the task's stage cursor, so CLAIMED fans out to every running status.
// Terminal statuses accept exactly one exit: the operator re-queue edge back
// to QUEUED (UPLOAD_ERROR additionally re-enters final review).
var transitions = map[Status][]Status{
	StatusDraft:   {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusClaimed, StatusCancelled},
	StatusClaimed: {StatusGeneratingAssets, StatusGeneratingVideo, StatusGeneratingAudio, StatusGeneratingSFX, StatusAssembling, StatusUploading},

	StatusGeneratingAssets: {StatusAssetsReady, StatusAssetError},
	StatusAssetsReady:      {StatusAssetsApproved, StatusAssetError},
	StatusAssetsApproved:   {StatusGeneratingVideo},

	StatusGeneratingVideo: {StatusVideoReady, StatusVideoError},
	StatusVideoReady:      {StatusVideoApproved, StatusVideoError},
	StatusVideoApproved:   {StatusGeneratingAudio},

	StatusGeneratingAudio: {StatusAudioReady, StatusAudioError},
	StatusAudioReady:      {StatusAudioApproved, StatusAudioError},
	StatusAudioApproved:   {StatusGeneratingSFX},

	StatusGeneratingSFX: {StatusAssembling, StatusSFXError},
	StatusAssembling:    {StatusAssembled, StatusAssemblyError},
	StatusAssembled:     {StatusFinalReview},
	StatusFinalReview:   {StatusUploading, StatusUploadError},
	StatusUploading:     {StatusPublished, StatusUploadError},

	StatusAssetError:    {StatusQueued},
	StatusVideoError:    {StatusQueued},
	StatusAudioError:    {StatusQueued},
	StatusSFXError:      {StatusQueued},
	StatusAssemblyError: {StatusQueued},
	StatusUploadError:   {StatusQueued, StatusFinalReview},
	StatusCancelled:     {StatusQueued},
	StatusPublished:     {StatusQueued},
}

// InvalidTransitionError reports an edge outside the table. It is the only
// error the state machine produces. From driver-internal paths it is fatal;
// from the operator API it maps to a 4xx.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError unless from -> to is a
// listed edge between valid statuses.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() || !to.IsValid() || !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// TransitionsFrom returns the legal successor statuses of s. The returned
// slice is a copy.
func TransitionsFrom(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}
