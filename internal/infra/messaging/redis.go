package messaging

import (
	"context"
	"encoding/json"
	"strings"

	"crypto_mm/internal/domain"

	"github.com/redis/go-redis/v9"
)

const defaultFillChannel = "mm:{product}:fills"

// RedisPublisher publishes fills on a pub/sub channel. A {product} placeholder
// in the channel is replaced with the fill's product id.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher. An empty channel uses mm:{product}:fills.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = defaultFillChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

// Channel resolves the channel a product's fills go to.
func (p *RedisPublisher) Channel(productID string) string {
	return strings.ReplaceAll(p.channel, "{product}", productID)
}

func (p *RedisPublisher) RecordFill(ctx context.Context, fill domain.FillRecord) error {
	payload := map[string]interface{}{
		"channel": "fills",
		"event":   "filled",
		"data":    fill,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(fill.ProductID), raw).Err()
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
