// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Task attributes
	TaskIDKey      = "task.id"
	TaskStageKey   = "task.stage"
	TaskAttemptKey = "task.attempt"

	// Channel attributes
	ChannelIDKey  = "channel.id"
	ChannelKeyKey = "channel.key"

	// Stage execution attributes
	StageOverrideKey = "stage.override"

	// Upstream service attributes
	UpstreamServiceKey = "upstream.service"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// TaskAttributes creates task identity span attributes. Empty string fields
// are omitted; attempt counts prior failures and is always recorded.
func TaskAttributes(taskID, channelKey, stage string, attempt int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if taskID != "" {
		attrs = append(attrs, attribute.String(TaskIDKey, taskID))
	}
	if channelKey != "" {
		attrs = append(attrs, attribute.String(ChannelKeyKey, channelKey))
	}
	if stage != "" {
		attrs = append(attrs, attribute.String(TaskStageKey, stage))
	}
	attrs = append(attrs, attribute.Int(TaskAttemptKey, attempt))
	return attrs
}

// ServiceAttributes creates span attributes for one upstream request.
func ServiceAttributes(service, method string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(UpstreamServiceKey, service),
		attribute.String(HTTPMethodKey, method),
	}
}

// ErrorAttributes creates error span attributes; errorType carries the
// classified failure reason.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
