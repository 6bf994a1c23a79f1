// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("POST", "/api/v1/plan", "http://localhost:8080/api/v1/plan", 200)

	if len(attrs) != 4 {
		t.Fatalf("Expected 4 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "POST")
	verifyAttribute(t, attrs, HTTPRouteKey, "/api/v1/plan")
	verifyAttribute(t, attrs, HTTPURLKey, "http://localhost:8080/api/v1/plan")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestTaskAttributes(t *testing.T) {
	tests := []struct {
		name       string
		taskID     string
		channelKey string
		stage      string
		attempt    int
		wantLen    int
	}{
		{
			name:       "all fields",
			taskID:     "task-1",
			channelKey: "adventures",
			stage:      "video",
			attempt:    2,
			wantLen:    4,
		},
		{
			name:       "only task id",
			taskID:     "task-1",
			channelKey: "",
			stage:      "",
			attempt:    0,
			wantLen:    2,
		},
		{
			name:       "empty fields keep attempt",
			taskID:     "",
			channelKey: "",
			stage:      "",
			attempt:    0,
			wantLen:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := TaskAttributes(tt.taskID, tt.channelKey, tt.stage, tt.attempt)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}

			if tt.taskID != "" {
				verifyAttribute(t, attrs, TaskIDKey, tt.taskID)
			}
			if tt.channelKey != "" {
				verifyAttribute(t, attrs, ChannelKeyKey, tt.channelKey)
			}
			if tt.stage != "" {
				verifyAttribute(t, attrs, TaskStageKey, tt.stage)
			}
			verifyIntAttribute(t, attrs, TaskAttemptKey, tt.attempt)
		})
	}
}

func TestServiceAttributes(t *testing.T) {
	attrs := ServiceAttributes("video", "POST")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, UpstreamServiceKey, "video")
	verifyAttribute(t, attrs, HTTPMethodKey, "POST")
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes("quota_exhausted")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "quota_exhausted")
}

func TestAttributeKeys_Consistency(t *testing.T) {
	keys := []string{
		HTTPMethodKey,
		HTTPStatusCodeKey,
		HTTPRouteKey,
		HTTPURLKey,
		TaskIDKey,
		TaskStageKey,
		TaskAttemptKey,
		ChannelIDKey,
		ChannelKeyKey,
		StageOverrideKey,
		UpstreamServiceKey,
		ErrorKey,
		ErrorTypeKey,
	}

	for _, key := range keys {
		if key == "" {
			t.Errorf("Expected non-empty attribute key")
		}
	}
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
