// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/metrics"
)

// RedisBus fans wakes out across orchestrator instances via Redis pub/sub.
// Payloads are JSON-encoded Wake values; anything else is rejected at
// publish time. Lost messages are acceptable, workers poll the store anyway.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds the connection settings for the wake bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the pub/sub channels, default "storymill".
	Prefix string
}

// NewRedisBus connects and verifies the server before returning.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "storymill"
	}
	logger := log.WithComponent("bus")
	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to redis wake bus")

	return &RedisBus{client: client, prefix: prefix}, nil
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	wake, ok := msg.(Wake)
	if !ok {
		return fmt.Errorf("redis bus carries bus.Wake payloads, got %T", msg)
	}
	payload, err := json.Marshal(wake)
	if err != nil {
		return fmt.Errorf("marshal wake: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		metrics.IncBusDropReason(topic, "redis_error")
		return fmt.Errorf("publish topic %q: %w", topic, err)
	}
	metrics.IncBusPublished(topic)
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscriber, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	// Force the subscription onto the wire before the caller depends on it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe topic %q: %w", topic, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		out:    make(chan Message, 64),
		done:   make(chan struct{}),
	}
	go sub.pump(topic)
	return sub, nil
}

// Close closes the underlying client.
func (b *RedisBus) Close() error { return b.client.Close() }

type redisSub struct {
	pubsub *redis.PubSub
	out    chan Message

	closeOnce sync.Once
	done      chan struct{}
}

func (s *redisSub) pump(topic string) {
	defer close(s.out)
	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var wake Wake
			if err := json.Unmarshal([]byte(m.Payload), &wake); err != nil {
				metrics.IncBusDropReason(topic, "decode_error")
				logger := log.WithComponent("bus")
				logger.Warn().
					Err(err).
					Str("topic", topic).
					Msg("dropping undecodable wake payload")
				continue
			}
			select {
			case s.out <- wake:
			case <-s.done:
				return
			default:
				// Wakes are advisory; a full subscriber is already awake.
				metrics.IncBusDropReason(topic, "full")
			}
		}
	}
}

func (s *redisSub) C() <-chan Message { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

var _ Bus = (*RedisBus)(nil)
