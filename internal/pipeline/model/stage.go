// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

// Stage names one of the six worker-driven pipeline steps. The task row
// carries a stage cursor: the stage the task will run next. Review gates sit
// between stages and are not stages themselves.
type Stage string

const (
	StageAssets   Stage = "assets"
	StageVideo    Stage = "video"
	StageAudio    Stage = "audio"
	StageSFX      Stage = "sfx"
	StageAssemble Stage = "assemble"
	StageUpload   Stage = "upload"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageAssets, StageVideo, StageAudio, StageSFX, StageAssemble, StageUpload}

// IsValid reports whether st names a known stage.
func (st Stage) IsValid() bool {
	switch st {
	case StageAssets, StageVideo, StageAudio, StageSFX, StageAssemble, StageUpload:
		return true
	}
	return false
}

// Next returns the stage that follows st, or "" after upload.
func (st Stage) Next() Stage {
	switch st {
	case StageAssets:
		return StageVideo
	case StageVideo:
		return StageAudio
	case StageAudio:
		return StageSFX
	case StageSFX:
		return StageAssemble
	case StageAssemble:
		return StageUpload
	}
	return ""
}

// RunningStatus returns the in-progress status a claimed task enters while st
// executes.
func (st Stage) RunningStatus() Status {
	switch st {
	case StageAssets:
		return StatusGeneratingAssets
	case StageVideo:
		return StatusGeneratingVideo
	case StageAudio:
		return StatusGeneratingAudio
	case StageSFX:
		return StatusGeneratingSFX
	case StageAssemble:
		return StatusAssembling
	case StageUpload:
		return StatusUploading
	}
	return ""
}

// ErrorStatus returns the terminal error status for a failure in st.
func (st Stage) ErrorStatus() Status {
	switch st {
	case StageAssets:
		return StatusAssetError
	case StageVideo:
		return StatusVideoError
	case StageAudio:
		return StatusAudioError
	case StageSFX:
		return StatusSFXError
	case StageAssemble:
		return StatusAssemblyError
	case StageUpload:
		return StatusUploadError
	}
	return ""
}

// GateStatus returns the human review status a successful run of st parks at,
// or "" for stages that hand over without review (sfx feeds assembly
// directly; upload publishes).
func (st Stage) GateStatus() Status {
	switch st {
	case StageAssets:
		return StatusAssetsReady
	case StageVideo:
		return StatusVideoReady
	case StageAudio:
		return StatusAudioReady
	case StageAssemble:
		return StatusFinalReview
	}
	return ""
}

// Service returns the external service the stage consumes; the scheduler
// gates claims on it.
func (st Stage) Service() Service {
	switch st {
	case StageAssets:
		return ServiceImage
	case StageVideo:
		return ServiceVideo
	case StageAudio:
		return ServiceAudio
	case StageSFX:
		return ServiceSFX
	case StageAssemble:
		return ServiceAssembly
	case StageUpload:
		return ServiceUpload
	}
	return ""
}

// StageForError maps an error status back to its stage. Used by the re-queue
// sweeper and the requeue API to resume at the failed stage.
func StageForError(s Status) Stage {
	switch s {
	case StatusAssetError:
		return StageAssets
	case StatusVideoError:
		return StageVideo
	case StatusAudioError:
		return StageAudio
	case StatusSFXError:
		return StageSFX
	case StatusAssemblyError:
		return StageAssemble
	case StatusUploadError:
		return StageUpload
	}
	return ""
}

// StageForGate maps a review gate status to the stage that produced it.
func StageForGate(s Status) Stage {
	switch s {
	case StatusAssetsReady:
		return StageAssets
	case StatusVideoReady:
		return StageVideo
	case StatusAudioReady:
		return StageAudio
	case StatusFinalReview:
		return StageAssemble
	}
	return ""
}

// ApprovedStatus maps a *_READY gate to its approved counterpart. The final
// review gate has no approved status; approval is recorded on the task row
// and consumed by the claim.
func ApprovedStatus(gate Status) Status {
	switch gate {
	case StatusAssetsReady:
		return StatusAssetsApproved
	case StatusVideoReady:
		return StatusVideoApproved
	case StatusAudioReady:
		return StatusAudioApproved
	}
	return ""
}

// StageAfterApproval maps a claimable approved status to the stage the claim
// enters.
func StageAfterApproval(s Status) Stage {
	switch s {
	case StatusAssetsApproved:
		return StageVideo
	case StatusVideoApproved:
		return StageAudio
	case StatusAudioApproved:
		return StageSFX
	case StatusFinalReview:
		return StageUpload
	}
	return ""
}

// Service identifies an external dependency subject to rate and concurrency
// gates.
type Service string

const (
	ServiceImage    Service = "image"
	ServiceVideo    Service = "video"
	ServiceAudio    Service = "audio"
	ServiceSFX      Service = "sfx"
	ServiceAssembly Service = "assembly"
	ServiceUpload   Service = "upload"
	ServicePlanning Service = "planning"
)

// Services lists every gated service.
var Services = []Service{
	ServiceImage, ServiceVideo, ServiceAudio, ServiceSFX,
	ServiceAssembly, ServiceUpload, ServicePlanning,
}
