// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTaskID         = "task_id"
	FieldChannelID      = "channel_id"
	FieldChannelKey     = "channel_key"
	FieldPlanningPageID = "planning_page_id"
	FieldWorkerID       = "worker_id"
	FieldCorrelationID  = "correlation_id"
	FieldRequestID      = "request_id"

	// Pipeline fields
	FieldStage     = "stage"
	FieldService   = "service"
	FieldAttempt   = "attempt"
	FieldComponent = "component"
	FieldEvent     = "event"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Path / URL fields
	FieldPath       = "path"
	FieldPublishURL = "publish_url"

	// Timing fields
	FieldDurationMS  = "duration_ms"
	FieldNextRetryAt = "next_retry_at"
)
