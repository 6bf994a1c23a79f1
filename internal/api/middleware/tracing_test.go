// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/storymill/internal/telemetry"
)

func noopTelemetry(t *testing.T) {
	t.Helper()
	if _, err := telemetry.NewProvider(context.Background(), telemetry.Config{
		Enabled:     false,
		ServiceName: "test",
	}); err != nil {
		t.Fatalf("telemetry provider: %v", err)
	}
}

func TestTracing_SpanInContext(t *testing.T) {
	noopTelemetry(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if span := trace.SpanFromContext(r.Context()); span == nil {
			t.Error("expected a span in the request context")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	traced := Tracing("storymill-test")(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	traced.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("expected body OK, got %s", rec.Body.String())
	}
}

func TestTracing_PassesErrorStatusThrough(t *testing.T) {
	noopTelemetry(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	traced := Tracing("storymill-test")(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/abc", nil)
	rec := httptest.NewRecorder()
	traced.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestSpanNameFormatter_UsesRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/api/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		got = spanNameFormatter("", req)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/7d1c2a", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got != "GET /api/tasks/{id}" {
		t.Errorf("expected pattern-based span name, got %q", got)
	}
}

func TestSpanNameFormatter_FallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhook/plan", nil)
	if got := spanNameFormatter("", req); got != "POST /webhook/plan" {
		t.Errorf("expected raw path span name, got %q", got)
	}
}

func TestShouldTrace_SkipsProbeEndpoints(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/health", false},
		{"/ready", false},
		{"/metrics", false},
		{"/api/tasks", true},
		{"/webhook/plan", true},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if got := shouldTrace(req); got != tc.want {
			t.Errorf("shouldTrace(%s) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
