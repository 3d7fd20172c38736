package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis publishes and subscribes on a redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedis(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, entryID string) error {
	if err := r.client.Publish(ctx, r.channel, entryID).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan string, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.logger.InfoContext(ctx, "listening for change notifications", "channel", r.channel, "backend", "redis")

	out := make(chan string, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				offer(out, msg.Payload)
			}
		}
	}()
	return out, nil
}
