// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package journal keeps the per-task transition history in Badger. Entries
// expire after the retention window; the SQLite row remains the durable
// record, the journal only feeds the history API and debugging.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Entry is one recorded pipeline event for a task.
type Entry struct {
	TaskID    string            `json:"task_id"`
	ChannelID string            `json:"channel_id,omitempty"`
	Type      string            `json:"type"`
	OldStatus string            `json:"old_status,omitempty"`
	NewStatus string            `json:"new_status,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}

// Journal is the Badger-backed history log.
// Keys: "hist:<task_id>:<unix_nanos>:<seq>" (JSON entry, TTL-bound).
type Journal struct {
	db  *badger.DB
	ttl time.Duration
	seq atomic.Uint64
	now func() time.Time
}

// DefaultTTL is the retention window for history entries.
const DefaultTTL = 30 * 24 * time.Hour

// Open opens (or creates) the journal at dir.
func Open(dir string, ttl time.Duration) (*Journal, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// SetNowFunc overrides the clock. Test hook.
func (j *Journal) SetNowFunc(now func() time.Time) { j.now = now }

func (j *Journal) key(taskID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("hist:%s:%020d:%06d", taskID, at.UnixNano(), j.seq.Add(1)))
}

// Append records one entry. Failures are the caller's to log; history is
// best effort and must never fail a pipeline transition.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.TaskID == "" {
		return fmt.Errorf("journal entry without task id")
	}
	if e.At.IsZero() {
		e.At = j.now().UTC()
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(j.key(e.TaskID, e.At), buf).WithTTL(j.ttl)
		return txn.SetEntry(entry)
	})
}

// History returns all retained entries for a task, oldest first.
func (j *Journal) History(ctx context.Context, taskID string) ([]Entry, error) {
	prefix := []byte("hist:" + taskID + ":")
	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunGC triggers Badger value-log garbage collection once. The daemon calls
// this on a slow ticker.
func (j *Journal) RunGC() {
	// Badger returns ErrNoRewrite when there is nothing to collect.
	_ = j.db.RunValueLogGC(0.5)
}
