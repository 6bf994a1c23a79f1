// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package events records the orchestrator's structured event stream. Every
// event goes to the log; task-scoped events also land in the history
// journal. Recording never fails the caller.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/storymill/internal/journal"
	"github.com/ManuGH/storymill/internal/log"
)

// Type names an event. Dot-namespaced, stable, used in logs and the journal.
type Type string

const (
	TaskEnqueued   Type = "task.enqueued"
	TaskRequeued   Type = "task.requeued"
	TaskClaimed    Type = "task.claimed"
	TaskTransition Type = "task.transition"
	TaskRetry      Type = "task.retry_scheduled"
	TaskExhausted  Type = "task.retries_exhausted"
	TaskReaped     Type = "task.reaped"
	TaskPublished  Type = "task.published"
	TaskCancelled  Type = "task.cancelled"

	ReviewApproved     Type = "review.approved"
	ReviewRejected     Type = "review.rejected"
	ReviewAutoApproved Type = "review.auto_approved"

	GateAcquired Type = "gate.acquired"
	GateBusy     Type = "gate.busy"

	SyncDelivered Type = "sync.delivered"
	SyncRetry     Type = "sync.retry"
	SyncDropped   Type = "sync.dropped"

	CredentialRefreshed    Type = "credential.refreshed"
	CredentialRefreshError Type = "credential.refresh_error"

	AlertSent  Type = "alert.sent"
	AlertError Type = "alert.error"

	ConfigReload      Type = "config.reload"
	ConfigReloadError Type = "config.reload_error"
)

// Event is one occurrence. Zero-valued fields are omitted everywhere.
type Event struct {
	Type      Type
	TaskID    string
	ChannelID string
	Stage     string
	OldStatus string
	NewStatus string
	Attempt   int
	Reason    string
	Err       error
	Detail    map[string]string
	At        time.Time
}

// Recorder fans events out to the structured log and the history journal.
// A nil *Recorder and a Recorder without journal both degrade gracefully.
type Recorder struct {
	logger  zerolog.Logger
	journal *journal.Journal
	now     func() time.Time
}

// NewRecorder builds a recorder. jr may be nil when history is disabled.
func NewRecorder(jr *journal.Journal) *Recorder {
	return &Recorder{
		logger:  log.WithComponent("events"),
		journal: jr,
		now:     time.Now,
	}
}

// Record emits the event. Gate events log at debug, errors at warn,
// everything else at info.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}

	var ev *zerolog.Event
	switch {
	case e.Type == GateAcquired || e.Type == GateBusy:
		ev = r.logger.Debug()
	case e.Err != nil:
		ev = r.logger.Warn().Err(e.Err)
	default:
		ev = r.logger.Info()
	}

	ev = ev.Str(log.FieldEvent, string(e.Type))
	if e.TaskID != "" {
		ev = ev.Str(log.FieldTaskID, e.TaskID)
	}
	if e.ChannelID != "" {
		ev = ev.Str(log.FieldChannelID, e.ChannelID)
	}
	if e.Stage != "" {
		ev = ev.Str(log.FieldStage, e.Stage)
	}
	if e.OldStatus != "" {
		ev = ev.Str(log.FieldOldStatus, e.OldStatus)
	}
	if e.NewStatus != "" {
		ev = ev.Str(log.FieldNewStatus, e.NewStatus)
	}
	if e.Attempt > 0 {
		ev = ev.Int(log.FieldAttempt, e.Attempt)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	for k, v := range e.Detail {
		ev = ev.Str(k, v)
	}
	ev.Msg(string(e.Type))

	r.appendJournal(ctx, e)
}

func (r *Recorder) appendJournal(ctx context.Context, e Event) {
	if r.journal == nil || e.TaskID == "" {
		return
	}
	// Gate chatter would dominate the history without adding to it.
	if e.Type == GateAcquired || e.Type == GateBusy {
		return
	}
	detail := e.Detail
	if e.Reason != "" || e.Err != nil {
		detail = make(map[string]string, len(e.Detail)+2)
		for k, v := range e.Detail {
			detail[k] = v
		}
		if e.Reason != "" {
			detail["reason"] = e.Reason
		}
		if e.Err != nil {
			detail["error"] = e.Err.Error()
		}
	}
	err := r.journal.Append(ctx, journal.Entry{
		TaskID:    e.TaskID,
		ChannelID: e.ChannelID,
		Type:      string(e.Type),
		OldStatus: e.OldStatus,
		NewStatus: e.NewStatus,
		Stage:     e.Stage,
		Attempt:   e.Attempt,
		Detail:    detail,
		At:        e.At,
	})
	if err != nil {
		r.logger.Warn().Err(err).
			Str(log.FieldTaskID, e.TaskID).
			Str(log.FieldEvent, string(e.Type)).
			Msg("journal append failed")
	}
}
