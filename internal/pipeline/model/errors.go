// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for store and scheduler callers.
var (
	// ErrNotFound indicates the task, channel or credential does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateTask indicates an enqueue hit a planning_page_id that is
	// already active. Maps to 409 at the ingest boundary.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrGateBusy indicates a rate or concurrency gate denied an acquire.
	// Never surfaced to users; the scheduler skips and retries later.
	ErrGateBusy = errors.New("gate busy")

	// ErrConflict indicates the row no longer satisfies the operation's
	// status precondition. Maps to 409 at the API boundary.
	ErrConflict = errors.New("status conflict")
)

// FailureClass is the closed set the driver matches on when a stage returns.
type FailureClass string

const (
	// FailureTransient schedules a retry with backoff, up to the attempt cap.
	FailureTransient FailureClass = "transient"
	// FailurePermanent lands the task in the stage error status and alerts.
	FailurePermanent FailureClass = "permanent"
)

// Reason refines a failure for events, alerts and backoff policy.
type Reason string

const (
	ReasonTimeout           Reason = "timeout"
	ReasonUpstream5xx       Reason = "upstream_5xx"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonQuotaExhausted    Reason = "quota_exhausted"
	ReasonUpstreamBusy      Reason = "upstream_busy"
	ReasonUpstream4xx       Reason = "upstream_4xx"
	ReasonAuthFailed        Reason = "auth_failed"
	ReasonValidation        Reason = "validation"
	ReasonStepFailed        Reason = "step_failed"
	ReasonStepTimeout       Reason = "step_timeout"
	ReasonCredentialExpired Reason = "credential_expired"
	ReasonWorkerTimeout     Reason = "worker_timeout"
	ReasonRetryExhausted    Reason = "retry_exhausted"
)

// StageFailure is the typed result a stage returns instead of raising
// free-form errors. The driver is the only component that classifies and
// mutates state from it.
type StageFailure struct {
	Class  FailureClass
	Reason Reason
	Err    error
}

func (f *StageFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s stage failure (%s): %v", f.Class, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s stage failure (%s)", f.Class, f.Reason)
}

func (f *StageFailure) Unwrap() error { return f.Err }

// Transient wraps err as a retryable stage failure.
func Transient(reason Reason, err error) *StageFailure {
	return &StageFailure{Class: FailureTransient, Reason: reason, Err: err}
}

// Permanent wraps err as a non-retryable stage failure.
func Permanent(reason Reason, err error) *StageFailure {
	return &StageFailure{Class: FailurePermanent, Reason: reason, Err: err}
}

// AsStageFailure extracts a StageFailure from an error chain. Unclassified
// errors default to transient so an unknown blip never burns a task; the
// classifier in the services layer is expected to have done better.
func AsStageFailure(err error) *StageFailure {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf
	}
	return &StageFailure{Class: FailureTransient, Reason: ReasonTimeout, Err: err}
}
