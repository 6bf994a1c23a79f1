// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package plansync mirrors task status back to the planning store. Updates
// are queued locally and delivered asynchronously; the local row stays
// authoritative and the pipeline never waits on the planning store.
package plansync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// Update is the queued payload for one planning-page mutation. Later
// updates for the same page supersede earlier ones in the queue.
type Update struct {
	PlanningPageID string         `json:"planning_page_id"`
	Status         string         `json:"status"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Queue is the slice of the store the producer side needs.
type Queue interface {
	EnqueueSync(ctx context.Context, planningPageID string, payload []byte) error
}

// Enqueue records that pageID should move to status, with optional extra
// fields (video_link on publish, error reason on failure).
func Enqueue(ctx context.Context, q Queue, pageID string, status model.Status, fields map[string]any) error {
	if pageID == "" {
		return fmt.Errorf("plansync: empty planning page id")
	}
	payload, err := json.Marshal(Update{
		PlanningPageID: pageID,
		Status:         string(status),
		Fields:         fields,
	})
	if err != nil {
		return fmt.Errorf("plansync: encode update: %w", err)
	}
	return q.EnqueueSync(ctx, pageID, payload)
}
