// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

const (
	// headerPlanSignature carries hex(HMAC-SHA256(secret, raw body)).
	headerPlanSignature = "X-Plan-Signature"
	// headerPlanTimestamp carries the send time as unix seconds; requests
	// outside the replay window are rejected before the body is parsed.
	headerPlanTimestamp = "X-Plan-Timestamp"

	// maxPlanBody bounds the webhook payload.
	maxPlanBody = 1 << 20
	// planReplayWindow is the accepted clock skew for inbound plans.
	planReplayWindow = 5 * time.Minute
)

// planPayload is the planning store's webhook body. Channels may be named by
// id or by their human key.
type planPayload struct {
	PlanningPageID string `json:"planning_page_id"`
	ChannelID      string `json:"channel_id,omitempty"`
	ChannelKey     string `json:"channel_key,omitempty"`
	Title          string `json:"title"`
	Topic          string `json:"topic,omitempty"`
	StoryDirection string `json:"story_direction,omitempty"`
	Priority       string `json:"priority,omitempty"`
	Draft          bool   `json:"draft,omitempty"`
}

// handlePlanWebhook ingests one plan: verify signature and replay window,
// enqueue (or re-queue) in one short transaction, wake the workers.
func (s *Server) handlePlanWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithComponentFromContext(ctx, "webhook")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBody+1))
	if err != nil {
		metrics.IncWebhookIngest("invalid")
		writeError(w, errors.New("read body"))
		return
	}
	if len(body) > maxPlanBody {
		metrics.IncWebhookIngest("invalid")
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}

	if !s.verifyPlanSignature(r, body) {
		logger.Warn().
			Str(log.FieldEvent, "webhook.bad_signature").
			Str("remote_addr", r.RemoteAddr).
			Msg("plan webhook rejected")
		metrics.IncWebhookIngest("unauthorized")
		writeUnauthorized(w)
		return
	}

	var p planPayload
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.IncWebhookIngest("invalid")
		writeError(w, errors.New("invalid JSON payload"))
		return
	}
	req, err := s.enqueueRequest(ctx, p)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			metrics.IncWebhookIngest("invalid")
			writeNotFound(w)
			return
		}
		metrics.IncWebhookIngest("invalid")
		writeError(w, err)
		return
	}

	task, created, err := s.store.Enqueue(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrDuplicateTask):
			metrics.IncWebhookIngest("duplicate")
			writeConflict(w, err)
		case errors.Is(err, model.ErrNotFound):
			metrics.IncWebhookIngest("invalid")
			writeNotFound(w)
		default:
			logger.Error().Err(err).
				Str(log.FieldPlanningPageID, p.PlanningPageID).
				Msg("enqueue failed")
			metrics.IncWebhookIngest("error")
			writeStoreError(w, err)
		}
		return
	}

	metrics.IncWebhookIngest("accepted")
	metrics.IncTaskEnqueued(task.ChannelKey, "webhook")
	evType := events.TaskEnqueued
	if !created {
		evType = events.TaskRequeued
	}
	s.rec.Record(ctx, events.Event{
		Type:      evType,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		NewStatus: string(task.Status),
		Reason:    "webhook",
		Detail:    map[string]string{"planning_page_id": task.PlanningPageID},
	})
	if task.Status == model.StatusQueued {
		s.publishWake(ctx, task.ChannelID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"task_id": task.ID})
}

// verifyPlanSignature checks the HMAC and the replay window. An unset secret
// fails closed.
func (s *Server) verifyPlanSignature(r *http.Request, body []byte) bool {
	if len(s.secret) == 0 {
		return false
	}

	ts := r.Header.Get(headerPlanTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	sent := time.Unix(unix, 0)
	now := s.now()
	if sent.Before(now.Add(-planReplayWindow)) || sent.After(now.Add(planReplayWindow)) {
		return false
	}

	sig, err := hex.DecodeString(strings.TrimSpace(r.Header.Get(headerPlanSignature)))
	if err != nil || len(sig) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// enqueueRequest validates the payload and resolves the channel reference.
func (s *Server) enqueueRequest(ctx context.Context, p planPayload) (model.EnqueueRequest, error) {
	if p.PlanningPageID == "" {
		return model.EnqueueRequest{}, errors.New("planning_page_id is required")
	}
	if p.Title == "" {
		return model.EnqueueRequest{}, errors.New("title is required")
	}

	channelID := p.ChannelID
	if channelID == "" {
		if p.ChannelKey == "" {
			return model.EnqueueRequest{}, errors.New("channel_id or channel_key is required")
		}
		ch, err := s.store.GetChannelByKey(ctx, p.ChannelKey)
		if err != nil {
			return model.EnqueueRequest{}, err
		}
		channelID = ch.ID
	}

	priority := model.PriorityNormal
	if p.Priority != "" {
		parsed, err := model.ParsePriority(p.Priority)
		if err != nil {
			return model.EnqueueRequest{}, err
		}
		priority = parsed
	}

	return model.EnqueueRequest{
		ChannelID:      channelID,
		PlanningPageID: p.PlanningPageID,
		Title:          p.Title,
		Topic:          p.Topic,
		StoryDirection: p.StoryDirection,
		Priority:       priority,
		Draft:          p.Draft,
	}, nil
}
