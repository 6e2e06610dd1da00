package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers ordered events to the pub/sub transport. Channel
// authorization is the transport's concern, not ours.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// RedisPublisher publishes events over Redis pub/sub. PUBLISH never blocks
// on slow consumers, so callers keep their fire-and-forget semantics.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	body, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", event, channel, err)
	}
	return nil
}
