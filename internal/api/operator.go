// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// handleApprove advances a review gate. Ready gates move to their approved
// status; the final review stamps review_approved_at and leaves the status
// in place for the claim to consume.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var gate model.Gate
	var from model.Status
	task, err := s.store.UpdateTask(ctx, id, func(t *model.Task) error {
		from = t.Status
		if !from.IsGate() {
			return fmt.Errorf("task is %s, not at a review gate: %w", from, model.ErrConflict)
		}
		gate = model.GateForStatus(from)
		if from == model.StatusFinalReview {
			now := s.now().UTC()
			t.ReviewApprovedAt = &now
			return nil
		}
		return t.Advance(model.ApprovedStatus(from))
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	metrics.IncReviewDecision(string(gate), "approve")
	s.rec.Record(ctx, events.Event{
		Type:      events.ReviewApproved,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		Stage:     string(task.Stage),
		OldStatus: string(from),
		NewStatus: string(task.Status),
		Detail:    map[string]string{"gate": string(gate)},
	})
	s.publishWake(ctx, task.ChannelID)

	writeJSON(w, http.StatusOK, task)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// handleReject fails a review gate: the task lands in the producing stage's
// error status with the operator note as last_error and no retry scheduled.
// Re-running is the operator's call via requeue.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req rejectRequest
	if r.Body != nil {
		// Empty or absent bodies are fine; the note is optional.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "rejected by operator"
	}

	var gate model.Gate
	var from model.Status
	task, err := s.store.UpdateTask(ctx, id, func(t *model.Task) error {
		from = t.Status
		if !from.IsGate() {
			return fmt.Errorf("task is %s, not at a review gate: %w", from, model.ErrConflict)
		}
		gate = model.GateForStatus(from)

		target := model.StageForGate(from).ErrorStatus()
		if from == model.StatusFinalReview {
			target = model.StatusUploadError
		}
		if err := t.Advance(target); err != nil {
			return err
		}
		// Rewind the cursor to the stage that produced the rejected
		// artifact so a requeue regenerates it.
		t.Stage = model.StageForGate(from)
		t.LastError = req.Reason
		t.NextRetryAt = nil
		t.ReviewApprovedAt = nil
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	metrics.IncReviewDecision(string(gate), "reject")
	s.rec.Record(ctx, events.Event{
		Type:      events.ReviewRejected,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		Stage:     string(task.Stage),
		OldStatus: string(from),
		NewStatus: string(task.Status),
		Reason:    req.Reason,
		Detail:    map[string]string{"gate": string(gate)},
	})

	writeJSON(w, http.StatusOK, task)
}

type requeueRequest struct {
	// Restart resets the stage cursor so the pipeline re-runs from assets.
	Restart bool `json:"restart,omitempty"`
	// To accepts "final_review" to send an UPLOAD_ERROR task back to review
	// instead of the queue.
	To string `json:"to,omitempty"`
}

// handleRequeue sends a terminal task back into the pipeline. By default it
// resumes at the stage cursor with a fresh retry budget.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req requeueRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	switch req.To {
	case "":
	case "final_review":
		s.requeueToFinalReview(w, r, id)
		return
	default:
		writeError(w, fmt.Errorf("unknown requeue target %q", req.To))
		return
	}

	var from model.Status
	task, err := s.store.UpdateTask(ctx, id, func(t *model.Task) error {
		from = t.Status
		if err := t.Advance(model.StatusQueued); err != nil {
			return err
		}
		t.RetryCount = 0
		t.LastError = ""
		t.NextRetryAt = nil
		t.ReviewApprovedAt = nil
		if req.Restart || t.Stage == "" {
			t.Stage = model.StageAssets
		}
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	metrics.IncTaskEnqueued(task.ChannelKey, "operator")
	s.rec.Record(ctx, events.Event{
		Type:      events.TaskRequeued,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		Stage:     string(task.Stage),
		OldStatus: string(from),
		NewStatus: string(task.Status),
		Reason:    "operator",
		Detail:    map[string]string{"restart": fmt.Sprintf("%t", req.Restart)},
	})
	s.publishWake(ctx, task.ChannelID)

	writeJSON(w, http.StatusOK, task)
}

// requeueToFinalReview takes the UPLOAD_ERROR re-review edge: the assembled
// video gets another look instead of another upload attempt.
func (s *Server) requeueToFinalReview(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	var from model.Status
	task, err := s.store.UpdateTask(ctx, id, func(t *model.Task) error {
		from = t.Status
		if from != model.StatusUploadError {
			return fmt.Errorf("re-review requires UPLOAD_ERROR, task is %s: %w", from, model.ErrConflict)
		}
		if err := t.Advance(model.StatusFinalReview); err != nil {
			return err
		}
		t.Stage = model.StageUpload
		t.LastError = ""
		t.NextRetryAt = nil
		t.ReviewApprovedAt = nil
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.rec.Record(ctx, events.Event{
		Type:      events.TaskRequeued,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		Stage:     string(task.Stage),
		OldStatus: string(from),
		NewStatus: string(task.Status),
		Reason:    "operator",
		Detail:    map[string]string{"to": "final_review"},
	})

	writeJSON(w, http.StatusOK, task)
}

// handleCancel cancels a task that has not started. Anything past QUEUED is
// a conflict; the validator enforces it.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var from model.Status
	task, err := s.store.UpdateTask(ctx, id, func(t *model.Task) error {
		from = t.Status
		if err := t.Advance(model.StatusCancelled); err != nil {
			return err
		}
		t.NextRetryAt = nil
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.rec.Record(ctx, events.Event{
		Type:      events.TaskCancelled,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		OldStatus: string(from),
		NewStatus: string(task.Status),
	})

	writeJSON(w, http.StatusOK, task)
}
