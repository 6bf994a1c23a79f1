// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/pipeline/bus"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
)

const (
	testWebhookSecret = "plan-secret"
	testAPIToken      = "operator-token"
)

type apiEnv struct {
	store  *store.MemoryStore
	bus    *bus.MemoryBus
	vault  *credentials.Vault
	server *Server
	router http.Handler
	wakes  bus.Subscriber
}

func newAPIEnv(t *testing.T, mut ...func(*Config)) *apiEnv {
	t.Helper()
	st := store.NewMemoryStore()
	mb := bus.NewMemoryBus()
	cipher, err := credentials.NewCipher(strings.Repeat("ab", 32))
	require.NoError(t, err)
	vault := credentials.NewVault(st, cipher, nil, events.NewRecorder(nil), nil)

	cfg := Config{
		Store:         st,
		Bus:           mb,
		Vault:         vault,
		Recorder:      events.NewRecorder(nil),
		WebhookSecret: testWebhookSecret,
		APIToken:      testAPIToken,
	}
	for _, m := range mut {
		m(&cfg)
	}
	srv := New(cfg)

	sub, err := mb.Subscribe(context.Background(), bus.TopicWake)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	return &apiEnv{
		store:  st,
		bus:    mb,
		vault:  vault,
		server: srv,
		router: srv.Router(),
		wakes:  sub,
	}
}

func (e *apiEnv) seedChannel(t *testing.T) *model.Channel {
	t.Helper()
	ch := &model.Channel{
		ID:              "ch-1",
		Key:             "adventures",
		Name:            "Adventures",
		Active:          true,
		VoiceID:         "narrator-7",
		StorageStrategy: model.StorageInline,
		MaxConcurrent:   2,
	}
	require.NoError(t, e.store.UpsertChannel(context.Background(), ch))
	return ch
}

func (e *apiEnv) seedTask(t *testing.T, page string) *model.Task {
	t.Helper()
	task, created, err := e.store.Enqueue(context.Background(), model.EnqueueRequest{
		ChannelID:      "ch-1",
		PlanningPageID: page,
		Title:          "The Lost Key",
		Topic:          "fantasy short",
		Priority:       model.PriorityNormal,
	})
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func (e *apiEnv) setTask(t *testing.T, id string, fn func(*model.Task)) *model.Task {
	t.Helper()
	updated, err := e.store.UpdateTask(context.Background(), id, func(x *model.Task) error {
		fn(x)
		return nil
	})
	require.NoError(t, err)
	return updated
}

// do issues an authenticated operator request against the router.
func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// postPlan signs body with the shared webhook secret and posts it.
func (e *apiEnv) postPlan(t *testing.T, body []byte, at time.Time) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/plan", bytes.NewReader(body))
	req.Header.Set(headerPlanSignature, signBody(body))
	req.Header.Set(headerPlanTimestamp, strconv.FormatInt(at.Unix(), 10))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) expectWake(t *testing.T) bus.Wake {
	t.Helper()
	select {
	case msg := <-e.wakes.C():
		w, ok := msg.(bus.Wake)
		require.True(t, ok, "message on wake topic is %T", msg)
		return w
	case <-time.After(time.Second):
		t.Fatal("no wake published")
		return bus.Wake{}
	}
}

func (e *apiEnv) expectNoWake(t *testing.T) {
	t.Helper()
	select {
	case msg := <-e.wakes.C():
		t.Fatalf("unexpected wake: %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) *model.Task {
	t.Helper()
	var task model.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&task))
	return &task
}
