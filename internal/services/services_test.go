// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/storymill/internal/credentials"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
	"github.com/ManuGH/storymill/internal/resilience"
)

const testCipherKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func testVault(t *testing.T, seed map[model.Service]credentials.Bundle) *credentials.Vault {
	t.Helper()
	c, err := credentials.NewCipher(testCipherKey)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	v := credentials.NewVault(st, c, nil, nil, nil)
	for svc, b := range seed {
		require.NoError(t, v.Put(context.Background(), "ch-1", svc, b))
	}
	return v
}

func testConfig(t *testing.T, serverURL string) Config {
	t.Helper()
	policy, err := PolicyForURLs(serverURL)
	require.NoError(t, err)
	return Config{BaseURL: serverURL, Timeout: 5 * time.Second, Policy: policy}
}

func freshBundle(token string) credentials.Bundle {
	return credentials.Bundle{AccessToken: token, ExpiresAt: time.Now().Add(2 * time.Hour)}
}

func TestPolicyForURLs(t *testing.T) {
	policy, err := PolicyForURLs("https://img.example.com", "http://127.0.0.1:9444")
	require.NoError(t, err)
	assert.Contains(t, policy.Allow.Hosts, "img.example.com")
	assert.Contains(t, policy.Allow.Hosts, "127.0.0.1")
	assert.Contains(t, policy.Allow.Ports, 9444)
	assert.Contains(t, policy.Allow.CIDRs, "127.0.0.0/8")

	_, err = PolicyForURLs("ftp://nope.example.com")
	assert.Error(t, err)

	policy, err = PolicyForURLs("https://img.example.com", "")
	require.NoError(t, err)
	assert.Len(t, policy.Allow.Hosts, 1)
	assert.Empty(t, policy.Allow.CIDRs)
}

func TestImageClient_GenerateWritesArtifact(t *testing.T) {
	var gotAuth atomic.Value
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v1/images/generate", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "castle at dawn", req.Prompt)
		_ = json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/artifacts/scene-01.png"})
	})
	mux.HandleFunc("GET /artifacts/scene-01.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png-bytes"))
	})

	vault := testVault(t, map[model.Service]credentials.Bundle{model.ServiceImage: freshBundle("img-tok")})
	client, err := NewImageClient(testConfig(t, srv.URL), vault)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "scene-01.png")
	require.NoError(t, client.Generate(context.Background(), "ch-1", "castle at dawn", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "Bearer img-tok", gotAuth.Load())
}

func TestImageClient_ClassifiesStatuses(t *testing.T) {
	status := atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	vault := testVault(t, map[model.Service]credentials.Bundle{model.ServiceImage: freshBundle("t")})
	client, err := NewImageClient(testConfig(t, srv.URL), vault)
	require.NoError(t, err)

	cases := []struct {
		status int
		class  model.FailureClass
		reason model.Reason
	}{
		{http.StatusTooManyRequests, model.FailureTransient, model.ReasonRateLimited},
		{http.StatusPaymentRequired, model.FailureTransient, model.ReasonQuotaExhausted},
		{http.StatusUnauthorized, model.FailurePermanent, model.ReasonAuthFailed},
		{http.StatusServiceUnavailable, model.FailureTransient, model.ReasonUpstreamBusy},
		{http.StatusBadRequest, model.FailurePermanent, model.ReasonUpstream4xx},
		{http.StatusInternalServerError, model.FailureTransient, model.ReasonUpstream5xx},
	}
	for _, tc := range cases {
		status.Store(int32(tc.status))
		err := client.Generate(context.Background(), "ch-1", "p", filepath.Join(t.TempDir(), "x.png"))
		var sf *model.StageFailure
		require.ErrorAs(t, err, &sf, "status %d", tc.status)
		assert.Equal(t, tc.class, sf.Class, "status %d", tc.status)
		assert.Equal(t, tc.reason, sf.Reason, "status %d", tc.status)
	}
}

func TestImageClient_MissingCredentialIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the service without credentials")
	}))
	defer srv.Close()

	vault := testVault(t, nil)
	client, err := NewImageClient(testConfig(t, srv.URL), vault)
	require.NoError(t, err)

	err = client.Generate(context.Background(), "ch-1", "p", filepath.Join(t.TempDir(), "x.png"))
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.FailurePermanent, sf.Class)
	assert.Equal(t, model.ReasonCredentialExpired, sf.Reason)
}

func TestVideoClient_SubmitPollDownload(t *testing.T) {
	polls := atomic.Int32{}
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v1/videos/generate", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "slow pan left", r.FormValue("motion_prompt"))
		file, hdr, err := r.FormFile("composite")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		assert.Equal(t, "composite.png", hdr.Filename)
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-7"})
	})
	mux.HandleFunc("GET /v1/videos/jobs/job-7", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "running"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "done", "url": srv.URL + "/clips/clip-7.mp4"})
	})
	mux.HandleFunc("GET /clips/clip-7.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp4-bytes"))
	})

	dir := t.TempDir()
	composite := filepath.Join(dir, "composite.png")
	require.NoError(t, os.WriteFile(composite, []byte("png"), 0o600))

	vault := testVault(t, map[model.Service]credentials.Bundle{model.ServiceVideo: freshBundle("vid-tok")})
	client, err := NewVideoClient(testConfig(t, srv.URL), vault)
	require.NoError(t, err)
	client.SetPollInterval(10 * time.Millisecond)

	out := filepath.Join(dir, "clip.mp4")
	require.NoError(t, client.Generate(context.Background(), "ch-1", composite, "slow pan left", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(data))
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestVideoClient_FailedJobIsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v1/videos/generate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-9"})
	})
	mux.HandleFunc("GET /v1/videos/jobs/job-9", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "composite unreadable"})
	})

	dir := t.TempDir()
	composite := filepath.Join(dir, "c.png")
	require.NoError(t, os.WriteFile(composite, []byte("png"), 0o600))

	vault := testVault(t, map[model.Service]credentials.Bundle{model.ServiceVideo: freshBundle("t")})
	client, err := NewVideoClient(testConfig(t, srv.URL), vault)
	require.NoError(t, err)
	client.SetPollInterval(10 * time.Millisecond)

	err = client.Generate(context.Background(), "ch-1", composite, "", filepath.Join(dir, "o.mp4"))
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.FailurePermanent, sf.Class)
	assert.Contains(t, err.Error(), "composite unreadable")
}

func TestVideoClient_DeadlineIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v1/videos/generate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-slow"})
	})
	mux.HandleFunc("GET /v1/videos/jobs/job-slow", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	})

	dir := t.TempDir()
	composite := filepath.Join(dir, "c.png")
	require.NoError(t, os.WriteFile(composite, []byte("png"), 0o600))

	vault := testVault(t, map[model.Service]credentials.Bundle{model.ServiceVideo: freshBundle("t")})
	client, err := NewVideoClient(testConfig(t, srv.URL), vault)
	require.NoError(t, err)
	client.SetPollInterval(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = client.Generate(ctx, "ch-1", composite, "", filepath.Join(dir, "o.mp4"))
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.FailureTransient, sf.Class)
	assert.Equal(t, model.ReasonTimeout, sf.Reason)
}

func TestAudioClient_NarrateStreamsMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var req struct {
			Text    string `json:"text"`
			VoiceID string `json:"voice_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "narrator-7", req.VoiceID)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("wav-bytes"))
	}))
	defer srv.Close()

	vault := testVault(t, map[model.Service]credentials.Bundle{model.ServiceAudio: freshBundle("aud-tok")})
	client, err := NewAudioClient(testConfig(t, srv.URL), vault)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "narration.wav")
	require.NoError(t, client.Narrate(context.Background(), "ch-1", "Once upon a time", "narrator-7", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "wav-bytes", string(data))
}

func TestSFXClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sfx/generate", r.URL.Path)
		_, _ = w.Write([]byte("sfx-bytes"))
	}))
	defer srv.Close()

	vault := testVault(t, map[model.Service]credentials.Bundle{model.ServiceSFX: freshBundle("sfx-tok")})
	client, err := NewSFXClient(testConfig(t, srv.URL), vault)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "whoosh.wav")
	require.NoError(t, client.Generate(context.Background(), "ch-1", "door creak", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "sfx-bytes", string(data))
}

func TestUploadClient_PublishesAndReturnsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer up-tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var meta UploadMetadata
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &meta))
		assert.Equal(t, "The Lost Key", meta.Title)

		file, _, err := r.FormFile("video")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()

		_ = json.NewEncoder(w).Encode(map[string]string{"publish_url": "https://watch.example.com/v/abc123"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	video := filepath.Join(dir, "final.mp4")
	require.NoError(t, os.WriteFile(video, []byte("mp4"), 0o600))

	client, err := NewUploadClient(testConfig(t, srv.URL))
	require.NoError(t, err)

	url, err := client.Upload(context.Background(), credentials.Bundle{AccessToken: "up-tok"}, video, UploadMetadata{Title: "The Lost Key"})
	require.NoError(t, err)
	assert.Equal(t, "https://watch.example.com/v/abc123", url)
}

func TestUploadClient_EmptyTokenIsPermanent(t *testing.T) {
	client, err := NewUploadClient(testConfig(t, "http://127.0.0.1:9"))
	require.NoError(t, err)

	_, err = client.Upload(context.Background(), credentials.Bundle{}, "/nope.mp4", UploadMetadata{})
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.ReasonCredentialExpired, sf.Reason)
}

func TestPlanningClient_UpdateStatus(t *testing.T) {
	var got struct {
		Status string `json:"status"`
		Link   string `json:"video_link"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/pages/page-1", r.URL.Path)
		assert.Equal(t, "Bearer plan-tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewPlanningClient(testConfig(t, srv.URL), "plan-tok", nil)
	require.NoError(t, err)

	err = client.UpdateStatus(context.Background(), "page-1", "PUBLISHED",
		map[string]any{"video_link": "https://watch.example.com/v/abc"})
	require.NoError(t, err)
	assert.Equal(t, "PUBLISHED", got.Status)
	assert.Equal(t, "https://watch.example.com/v/abc", got.Link)
}

func TestPlanningClient_BreakerOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewPlanningClient(testConfig(t, srv.URL), "t", nil)
	require.NoError(t, err)

	for i := 0; i < planningBreakerThreshold; i++ {
		err := client.UpdateStatus(context.Background(), "page-1", "QUEUED", nil)
		require.Error(t, err)
	}
	assert.Equal(t, string(resilience.StateOpen), client.BreakerState())

	err = client.UpdateStatus(context.Background(), "page-1", "QUEUED", nil)
	var sf *model.StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, model.FailureTransient, sf.Class)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestTokenRefresher_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh_token", req["grant_type"])
		assert.Equal(t, "old-refresh", req["refresh_token"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	policy, err := PolicyForURLs(srv.URL)
	require.NoError(t, err)
	ref := NewTokenRefresher(map[model.Service]string{model.ServiceUpload: srv.URL + "/oauth/token"}, policy)

	b, err := ref.Refresh(context.Background(), "ch-1", model.ServiceUpload, credentials.Bundle{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
	})
	require.NoError(t, err)
	assert.Equal(t, "new-access", b.AccessToken)
	assert.Equal(t, "old-refresh", b.RefreshToken, "refresh token kept when issuer does not rotate")
	assert.WithinDuration(t, time.Now().Add(time.Hour), b.ExpiresAt, time.Minute)

	_, err = ref.Refresh(context.Background(), "ch-1", model.ServiceImage, credentials.Bundle{RefreshToken: "r"})
	assert.ErrorContains(t, err, "no token endpoint")

	_, err = ref.Refresh(context.Background(), "ch-1", model.ServiceUpload, credentials.Bundle{})
	assert.ErrorContains(t, err, "no refresh token")
}
