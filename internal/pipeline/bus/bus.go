// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package bus carries wake-up notifications between producers (webhook
// ingest, approvals, re-queue sweeps) and idle workers. Wakes are advisory;
// the store remains the source of truth and workers poll it regardless.
package bus

import "context"

// Message is an opaque event payload.
type Message interface{}

// Wake tells idle workers that claimable work may exist. ChannelID is a
// hint, not a contract; workers always re-select through the store.
type Wake struct {
	ChannelID string `json:"channel_id,omitempty"`
}

// TopicWake is the single topic the orchestrator uses today.
const TopicWake = "wake"

type Subscriber interface {
	// C returns a read-only message channel.
	C() <-chan Message
	// Close unsubscribes.
	Close() error
}

// Bus is the event transport abstraction. The memory bus serves a single
// process; the Redis bus fans wakes out across orchestrator instances.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}
