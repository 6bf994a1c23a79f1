// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/journal"
	"github.com/ManuGH/storymill/internal/pipeline/model"
)

type taskListResponse struct {
	Tasks []*model.Task `json:"tasks"`
}

func TestListTasksFilters(t *testing.T) {
	env := newAPIEnv(t)
	env.seedChannel(t)
	env.seedTask(t, "page-1")
	reviewed := env.seedTask(t, "page-2")
	env.seedTask(t, "page-3")
	env.setTask(t, reviewed.ID, func(x *model.Task) {
		x.Status = model.StatusVideoReady
		x.Stage = model.StageVideo
	})

	rec := env.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all taskListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	require.Len(t, all.Tasks, 3)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks?status=video_ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var byStatus taskListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&byStatus))
	require.Len(t, byStatus.Tasks, 1)
	assert.Equal(t, reviewed.ID, byStatus.Tasks[0].ID)

	// The channel filter takes the id or the human key.
	for _, ref := range []string{"ch-1", "adventures"} {
		rec = env.do(t, http.MethodGet, "/api/v1/tasks?channel="+ref, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var byChannel taskListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&byChannel))
		require.Len(t, byChannel.Tasks, 3, ref)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tasks?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var limited taskListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&limited))
	require.Len(t, limited.Tasks, 2)
}

func TestListTasksRejectsBadParams(t *testing.T) {
	env := newAPIEnv(t)
	env.seedChannel(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks?channel=no-such", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTask(t *testing.T) {
	env := newAPIEnv(t)
	env.seedChannel(t)
	task := env.seedTask(t, "page-1")

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.ID, decodeTask(t, rec).ID)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/no-such-task", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskHistoryFromJournal(t *testing.T) {
	jr, err := journal.Open(t.TempDir(), journal.DefaultTTL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = jr.Close() })

	env := newAPIEnv(t, func(cfg *Config) {
		cfg.Journal = jr
		cfg.Recorder = events.NewRecorder(jr)
	})
	env.seedChannel(t)
	task := env.seedTask(t, "page-1")
	env.setTask(t, task.ID, func(x *model.Task) {
		x.Status = model.StatusAssetsReady
		x.Stage = model.StageAssets
	})

	rec := env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		History []journal.Entry `json:"history"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.History, 1)
	assert.Equal(t, string(events.ReviewApproved), resp.History[0].Type)
	assert.Equal(t, string(model.StatusAssetsApproved), resp.History[0].NewStatus)
}

func TestTaskHistoryUnknownTask(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/no-such-task/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskHistoryWithoutJournal(t *testing.T) {
	env := newAPIEnv(t)
	env.seedChannel(t)
	task := env.seedTask(t, "page-1")

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		History []journal.Entry `json:"history"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.History)
}

func TestListAndGetChannels(t *testing.T) {
	env := newAPIEnv(t)
	env.seedChannel(t)

	rec := env.do(t, http.MethodGet, "/api/v1/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Channels []*model.Channel `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, "adventures", resp.Channels[0].Key)

	rec = env.do(t, http.MethodGet, "/api/v1/channels/ch-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/channels/no-such", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutCredentialStoresSealedBundle(t *testing.T) {
	env := newAPIEnv(t)
	env.seedChannel(t)

	rec := env.do(t, http.MethodPut, "/api/v1/channels/ch-1/credentials/video",
		map[string]any{
			"access_token":  "tok-123",
			"refresh_token": "ref-456",
			"token_type":    "Bearer",
			"expires_at":    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "stored", resp["status"])

	bundle, err := env.vault.Get(context.Background(), "ch-1", model.ServiceVideo)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", bundle.AccessToken)
	assert.Equal(t, "ref-456", bundle.RefreshToken)

	// The stored row is ciphertext, not the raw token.
	cred, err := env.store.GetCredential(context.Background(), "ch-1", model.ServiceVideo)
	require.NoError(t, err)
	assert.NotContains(t, string(cred.Ciphertext), "tok-123")
}

func TestPutCredentialValidation(t *testing.T) {
	env := newAPIEnv(t)
	env.seedChannel(t)

	rec := env.do(t, http.MethodPut, "/api/v1/channels/ch-1/credentials/podcast",
		map[string]any{"access_token": "tok"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/channels/no-such/credentials/video",
		map[string]any{"access_token": "tok"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/channels/ch-1/credentials/video",
		map[string]any{"refresh_token": "only"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutCredentialWithoutVault(t *testing.T) {
	env := newAPIEnv(t, func(cfg *Config) { cfg.Vault = nil })
	env.seedChannel(t)

	rec := env.do(t, http.MethodPut, "/api/v1/channels/ch-1/credentials/video",
		map[string]any{"access_token": "tok"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
