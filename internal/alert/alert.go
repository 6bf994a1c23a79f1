// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package alert delivers operator notifications to a single webhook.
// Exactly three conditions alert: a task failing with no retry left, a
// credential refresh failure, and a stale-claim recovery. Delivery is best
// effort; a dead webhook never blocks or fails the pipeline.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// Severity labels the payload for receiver-side routing.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert kinds.
const (
	KindTaskFailed        = "task_failed"
	KindCredentialRefresh = "credential_refresh_failed"
	KindStaleClaim        = "stale_claim_recovered"
)

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Kind       string    `json:"kind"`
	Severity   Severity  `json:"severity"`
	TaskID     string    `json:"task_id,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	ChannelKey string    `json:"channel_key,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Service    string    `json:"service,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Link       string    `json:"link,omitempty"`
	At         time.Time `json:"at"`
}

const sendTimeout = 10 * time.Second

// Webhook posts alert payloads. A nil *Webhook is a disabled notifier; every
// method is a no-op on it.
type Webhook struct {
	url      string
	apiBase  string
	client   *http.Client
	recorder *events.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewWebhook returns nil when url is empty, which disables alerting.
// apiBase, when set, is used to build operator links into the payload.
func NewWebhook(url, apiBase string, rec *events.Recorder) *Webhook {
	if url == "" {
		return nil
	}
	return &Webhook{
		url:      url,
		apiBase:  apiBase,
		client:   &http.Client{Timeout: sendTimeout},
		recorder: rec,
		logger:   log.WithComponent("alert"),
		now:      time.Now,
	}
}

// TaskFailed fires when a task lands terminal with no retry scheduled.
func (w *Webhook) TaskFailed(ctx context.Context, t *model.Task, reason model.Reason, finalErr string) {
	if w == nil {
		return
	}
	w.send(ctx, Payload{
		Kind:       KindTaskFailed,
		Severity:   SeverityCritical,
		TaskID:     t.ID,
		ChannelID:  t.ChannelID,
		ChannelKey: t.ChannelKey,
		Stage:      string(t.Stage),
		Reason:     string(reason),
		Error:      finalErr,
		Link:       w.taskLink(t.ID),
	})
}

// StaleClaim fires when the reaper recovers a task from a dead worker.
func (w *Webhook) StaleClaim(ctx context.Context, t *model.Task) {
	if w == nil {
		return
	}
	w.send(ctx, Payload{
		Kind:       KindStaleClaim,
		Severity:   SeverityWarning,
		TaskID:     t.ID,
		ChannelID:  t.ChannelID,
		ChannelKey: t.ChannelKey,
		Stage:      string(t.Stage),
		Reason:     string(model.ReasonWorkerTimeout),
		Error:      t.LastError,
		Link:       w.taskLink(t.ID),
	})
}

// CredentialRefreshFailed fires when the vault cannot renew a bundle.
func (w *Webhook) CredentialRefreshFailed(ctx context.Context, channelID string, service model.Service, err error) {
	if w == nil {
		return
	}
	w.send(ctx, Payload{
		Kind:      KindCredentialRefresh,
		Severity:  SeverityCritical,
		ChannelID: channelID,
		Service:   string(service),
		Reason:    string(model.ReasonCredentialExpired),
		Error:     err.Error(),
	})
}

func (w *Webhook) taskLink(id string) string {
	if w.apiBase == "" {
		return ""
	}
	return w.apiBase + "/api/tasks/" + id
}

// send posts one payload. The context is detached from the caller's cancel
// so a shutdown finalize still gets its alert out, bounded by the client
// timeout.
func (w *Webhook) send(ctx context.Context, p Payload) {
	p.At = w.now().UTC()
	body, err := json.Marshal(p)
	if err != nil {
		w.logger.Error().Err(err).Str("kind", p.Kind).Msg("alert encode failed")
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.fail(ctx, p, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.fail(ctx, p, err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.fail(ctx, p, fmt.Errorf("webhook returned %d", resp.StatusCode))
		return
	}

	metrics.IncAlertSent(p.Kind, "sent")
	w.recorder.Record(ctx, events.Event{
		Type:      events.AlertSent,
		TaskID:    p.TaskID,
		ChannelID: p.ChannelID,
		Stage:     p.Stage,
		Reason:    p.Reason,
		Detail:    map[string]string{"kind": p.Kind, "severity": string(p.Severity)},
	})
}

func (w *Webhook) fail(ctx context.Context, p Payload, err error) {
	metrics.IncAlertSent(p.Kind, "error")
	w.recorder.Record(ctx, events.Event{
		Type:      events.AlertError,
		TaskID:    p.TaskID,
		ChannelID: p.ChannelID,
		Stage:     p.Stage,
		Reason:    p.Reason,
		Err:       err,
		Detail:    map[string]string{"kind": p.Kind},
	})
}
