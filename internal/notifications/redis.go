package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel requests are published on.
const DefaultRedisChannel = "postmaster:notifications"

// RedisNotifier publishes requests as JSON on a pub/sub channel. When a list
// key is set the payload is also pushed onto that list so a worker that was
// offline still finds it.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	listKey string
}

// NewRedisNotifier wraps client.
func NewRedisNotifier(client redis.UniversalClient, channel, listKey string) *RedisNotifier {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{client: client, channel: channel, listKey: listKey}
}

// Send implements Notifier.
func (n *RedisNotifier) Send(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if n.listKey != "" {
		if err := n.client.RPush(ctx, n.listKey, payload).Err(); err != nil {
			return fmt.Errorf("redis rpush %s: %w", n.listKey, err)
		}
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", n.channel, err)
	}
	return nil
}
