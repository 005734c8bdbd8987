package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "chatroom-events"

// RedisSink publishes events to a channel so every instance can relay them
// to its own sockets.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Deliver(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Name, err)
	}
	return s.client.Publish(ctx, s.channel, b).Err()
}

// wireEvent keeps Data raw so it is forwarded exactly as published.
type wireEvent struct {
	Event
	Data json.RawMessage `json:"data"`
}

// SubscribeRedis forwards every event on channel to local until ctx ends.
func SubscribeRedis(ctx context.Context, client *redis.Client, channel string, local Sink, logger *slog.Logger) error {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "redis-subscriber"))

	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				logger.Warn("skipping malformed event", slog.String("error", err.Error()))
				continue
			}
			e := w.Event
			e.Data = w.Data
			if err := local.Deliver(ctx, e); err != nil {
				logger.Warn("local delivery failed", slog.String("error", err.Error()))
			}
		}
	}
}
