// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"context"
	"time"
)

// Pinger is the slice of the store the database check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker verifies the task database answers.
type StoreChecker struct {
	store Pinger
}

// NewStoreChecker creates the database readiness probe.
func NewStoreChecker(store Pinger) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string { return "database" }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.store.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "database reachable"}
}

// KeyChecker verifies the encryption key was loaded so the credential vault
// can decrypt bundles.
type KeyChecker struct {
	loaded func() bool
}

// NewKeyChecker creates the encryption-key readiness probe.
func NewKeyChecker(loaded func() bool) *KeyChecker {
	return &KeyChecker{loaded: loaded}
}

func (c *KeyChecker) Name() string { return "encryption_key" }

func (c *KeyChecker) Check(ctx context.Context) CheckResult {
	if c.loaded == nil || !c.loaded() {
		return CheckResult{Status: StatusUnhealthy, Error: "encryption key not loaded"}
	}
	return CheckResult{Status: StatusHealthy, Message: "encryption key loaded"}
}

// WritableChecker verifies the workspace root accepts writes.
type WritableChecker struct {
	name  string
	check func() error
}

// NewWritableChecker wraps a write probe such as workspace.CheckWritable.
func NewWritableChecker(name string, check func() error) *WritableChecker {
	return &WritableChecker{name: name, check: check}
}

func (c *WritableChecker) Name() string { return c.name }

func (c *WritableChecker) Check(ctx context.Context) CheckResult {
	if err := c.check(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "writable"}
}
