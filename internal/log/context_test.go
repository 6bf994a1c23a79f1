// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// SPDX-License-Identifier: MIT
package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextWithRequestID(t *testing.T) {
	tests := []struct {
		name      string
		ctx       context.Context
		requestID string
		want      string
	}{
		{
			name:      "nil context",
			ctx:       nil,
			requestID: "test-id-123",
			want:      "test-id-123",
		},
		{
			name:      "background context",
			ctx:       context.Background(),
			requestID: "req-456",
			want:      "req-456",
		},
		{
			name:      "empty request ID",
			ctx:       context.Background(),
			requestID: "",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.requestID)
			got := RequestIDFromContext(ctx)
			if got != tt.want {
				t.Errorf("RequestIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContextWithTask(t *testing.T) {
	tests := []struct {
		name        string
		ctx         context.Context
		taskID      string
		channelID   string
		wantTask    string
		wantChannel string
	}{
		{
			name:        "nil context",
			ctx:         nil,
			taskID:      "task-123",
			channelID:   "chan-1",
			wantTask:    "task-123",
			wantChannel: "chan-1",
		},
		{
			name:        "background context",
			ctx:         context.Background(),
			taskID:      "task-456",
			channelID:   "chan-2",
			wantTask:    "task-456",
			wantChannel: "chan-2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithTask(tt.ctx, tt.taskID, tt.channelID)
			if got := TaskIDFromContext(ctx); got != tt.wantTask {
				t.Errorf("TaskIDFromContext() = %v, want %v", got, tt.wantTask)
			}
			if got := ChannelIDFromContext(ctx); got != tt.wantChannel {
				t.Errorf("ChannelIDFromContext() = %v, want %v", got, tt.wantChannel)
			}
		})
	}
}

func TestRequestIDFromContextEmpty(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{
			name: "nil context",
			ctx:  nil,
			want: "",
		},
		{
			name: "context without request ID",
			ctx:  context.Background(),
			want: "",
		},
		{
			name: "context with wrong type",
			ctx:  context.WithValue(context.Background(), requestIDKey, 123),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequestIDFromContext(tt.ctx)
			if got != tt.want {
				t.Errorf("RequestIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithContextFields(t *testing.T) {
	var buf bytes.Buffer
	testLogger := zerolog.New(&buf)

	ctx := ContextWithRequestID(context.Background(), "req-123")
	ctx = ContextWithTask(ctx, "task-9", "chan-3")

	enriched := WithContext(ctx, testLogger)
	enriched.Info().Msg("enriched")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry[FieldRequestID] != "req-123" {
		t.Errorf("expected request_id req-123, got %v", entry[FieldRequestID])
	}
	if entry[FieldTaskID] != "task-9" {
		t.Errorf("expected task_id task-9, got %v", entry[FieldTaskID])
	}
	if entry[FieldChannelID] != "chan-3" {
		t.Errorf("expected channel_id chan-3, got %v", entry[FieldChannelID])
	}
}

func TestWithContextEmptyReturnsOriginal(t *testing.T) {
	baseLogger := WithComponent("test")
	got := WithContext(context.Background(), baseLogger)
	if got.GetLevel() != baseLogger.GetLevel() {
		t.Error("logger level should be preserved")
	}
}

func TestWithComponentFromContext(t *testing.T) {
	logger := WithComponentFromContext(context.Background(), "test-component")
	if logger.GetLevel() > zerolog.PanicLevel {
		t.Error("expected valid logger from WithComponentFromContext")
	}
}

func TestBase(t *testing.T) {
	baseLogger := Base()
	if baseLogger.GetLevel() > zerolog.PanicLevel {
		t.Error("expected valid base logger with reasonable log level")
	}
}

func TestDerive(t *testing.T) {
	logger1 := Derive(nil)
	if logger1.GetLevel() > zerolog.PanicLevel {
		t.Error("expected valid logger from Derive with nil builder")
	}

	logger2 := Derive(func(ctx *zerolog.Context) {
		ctx.Str("custom_field", "test_value")
	})
	if logger2.GetLevel() > zerolog.PanicLevel {
		t.Error("expected valid logger from Derive with custom builder")
	}
}
