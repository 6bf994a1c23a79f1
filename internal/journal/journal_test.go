// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAndHistoryOrdered(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	j.SetNowFunc(func() time.Time { return clock })

	transitions := []struct{ from, to string }{
		{"QUEUED", "CLAIMED"},
		{"CLAIMED", "GENERATING_ASSETS"},
		{"GENERATING_ASSETS", "ASSETS_READY"},
	}
	for _, tr := range transitions {
		require.NoError(t, j.Append(ctx, Entry{
			TaskID:    "task-1",
			ChannelID: "ch-1",
			Type:      "task.transition",
			OldStatus: tr.from,
			NewStatus: tr.to,
		}))
		clock = clock.Add(time.Second)
	}
	// An unrelated task must not leak into the history.
	require.NoError(t, j.Append(ctx, Entry{TaskID: "task-2", Type: "task.transition"}))

	got, err := j.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, tr := range transitions {
		assert.Equal(t, tr.from, got[i].OldStatus)
		assert.Equal(t, tr.to, got[i].NewStatus)
		assert.Equal(t, "ch-1", got[i].ChannelID)
	}
}

func TestHistoryEmptyForUnknownTask(t *testing.T) {
	j := openTestJournal(t)
	got, err := j.History(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendRejectsMissingTaskID(t *testing.T) {
	j := openTestJournal(t)
	err := j.Append(context.Background(), Entry{Type: "task.transition"})
	require.Error(t, err)
}

func TestReopenKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j1, err := Open(dir, time.Hour)
	require.NoError(t, err)
	require.NoError(t, j1.Append(ctx, Entry{TaskID: "task-1", Type: "task.claimed"}))
	require.NoError(t, j1.Close())

	j2, err := Open(dir, time.Hour)
	require.NoError(t, err)
	defer j2.Close()

	got, err := j2.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "task.claimed", got[0].Type)
}
