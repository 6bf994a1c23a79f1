// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func setupRedisBus(t *testing.T) *RedisBus {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	b, err := NewRedisBus(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBusWakeRoundTrip(t *testing.T) {
	b := setupRedisBus(t)

	sub, err := b.Subscribe(context.Background(), TopicWake)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, b.Publish(context.Background(), TopicWake, Wake{ChannelID: "ch-7"}))

	select {
	case msg := <-sub.C():
		wake, ok := msg.(Wake)
		require.True(t, ok)
		require.Equal(t, "ch-7", wake.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("wake not delivered over redis")
	}
}

func TestRedisBusRejectsForeignPayload(t *testing.T) {
	b := setupRedisBus(t)
	err := b.Publish(context.Background(), TopicWake, "not a wake")
	require.Error(t, err)
}
