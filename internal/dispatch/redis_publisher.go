package dispatch

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/example/technician-matching/internal/models"
)

// RedisPublisher publishes events on a pub/sub channel for real-time gateways
// running in other processes.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (r *RedisPublisher) Publish(ctx context.Context, ev models.MatchingEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}
