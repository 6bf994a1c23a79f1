// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition_LegalEdges(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusDraft, StatusQueued},
		{StatusDraft, StatusCancelled},
		{StatusQueued, StatusClaimed},
		{StatusQueued, StatusCancelled},
		{StatusClaimed, StatusGeneratingAssets},
		{StatusClaimed, StatusGeneratingVideo},
		{StatusClaimed, StatusUploading},
		{StatusGeneratingAssets, StatusAssetsReady},
		{StatusGeneratingAssets, StatusAssetError},
		{StatusAssetsReady, StatusAssetsApproved},
		{StatusAssetsReady, StatusAssetError},
		{StatusAssetsApproved, StatusGeneratingVideo},
		{StatusGeneratingVideo, StatusVideoReady},
		{StatusVideoReady, StatusVideoApproved},
		{StatusVideoApproved, StatusGeneratingAudio},
		{StatusGeneratingAudio, StatusAudioReady},
		{StatusAudioReady, StatusAudioApproved},
		{StatusAudioApproved, StatusGeneratingSFX},
		{StatusGeneratingSFX, StatusAssembling},
		{StatusGeneratingSFX, StatusSFXError},
		{StatusAssembling, StatusAssembled},
		{StatusAssembled, StatusFinalReview},
		{StatusFinalReview, StatusUploading},
		{StatusFinalReview, StatusUploadError},
		{StatusUploading, StatusPublished},
		{StatusUploading, StatusUploadError},
		{StatusVideoError, StatusQueued},
		{StatusUploadError, StatusQueued},
		{StatusUploadError, StatusFinalReview},
		{StatusCancelled, StatusQueued},
		{StatusPublished, StatusQueued},
	}
	for _, tt := range legal {
		assert.NoError(t, ValidateTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestValidateTransition_IllegalEdges(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusDraft, StatusGeneratingAssets},
		{StatusQueued, StatusGeneratingAssets}, // must pass through CLAIMED
		{StatusPublished, StatusUploading},
		{StatusPublished, StatusCancelled},
		{StatusAssetError, StatusGeneratingAssets},
		{StatusAssetsReady, StatusGeneratingVideo}, // approval required first
		{StatusAssembled, StatusUploading},
		{StatusGeneratingVideo, StatusGeneratingAudio},
		{StatusCancelled, StatusPublished},
		{StatusUploading, StatusQueued},
	}
	for _, tt := range illegal {
		err := ValidateTransition(tt.from, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)

		var ite *InvalidTransitionError
		require.True(t, errors.As(err, &ite))
		assert.Equal(t, tt.from, ite.From)
		assert.Equal(t, tt.to, ite.To)
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	err := ValidateTransition(Status("BOGUS"), StatusQueued)
	require.Error(t, err)
	err = ValidateTransition(StatusQueued, Status("BOGUS"))
	require.Error(t, err)
}

// Every terminal status must offer exactly the re-queue exit, except
// UPLOAD_ERROR which additionally re-enters final review, and DRAFT which is
// a pre-queue terminal with its own promote/cancel pair.
func TestTerminalExits(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.IsTerminal() || s == StatusDraft {
			continue
		}
		next := TransitionsFrom(s)
		require.Contains(t, next, StatusQueued, "terminal %s must re-queue", s)
		switch s {
		case StatusUploadError:
			assert.ElementsMatch(t, []Status{StatusQueued, StatusFinalReview}, next)
		default:
			assert.Equal(t, []Status{StatusQueued}, next, "terminal %s must have a single exit", s)
		}
	}
}

// Every listed edge connects valid statuses and every non-DRAFT status is
// reachable from the table (closure sanity).
func TestTransitionTableClosed(t *testing.T) {
	seen := map[Status]bool{}
	for from, tos := range transitions {
		require.True(t, from.IsValid(), "unknown from-status %s", from)
		for _, to := range tos {
			require.True(t, to.IsValid(), "unknown to-status %s in %s", to, from)
			seen[to] = true
		}
	}
	for _, s := range AllStatuses {
		if s == StatusDraft {
			continue // entry point, only ever created directly
		}
		assert.True(t, seen[s], "status %s unreachable", s)
	}
}

func TestStatusPartition(t *testing.T) {
	for _, s := range AllStatuses {
		require.True(t, s.IsValid())
		assert.NotEqual(t, s.IsActive(), s.IsTerminal(),
			"status %s must be in exactly one of active/terminal", s)
	}
	assert.False(t, Status("BOGUS").IsActive())
	assert.False(t, Status("BOGUS").IsValid())
}

func TestWorkerOwnedStatuses(t *testing.T) {
	owned := []Status{
		StatusClaimed, StatusGeneratingAssets, StatusGeneratingVideo,
		StatusGeneratingAudio, StatusGeneratingSFX, StatusAssembling,
		StatusAssembled, StatusUploading,
	}
	for _, s := range owned {
		assert.True(t, s.IsWorkerOwned(), "%s", s)
	}
	for _, s := range AllStatuses {
		if s.IsGate() || s.IsTerminal() || s == StatusQueued {
			assert.False(t, s.IsWorkerOwned(), "%s must not be worker-owned", s)
		}
	}
}
