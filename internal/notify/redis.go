package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/orchestra/internal/model"
)

// DefaultEventTTL is how long the keyed copy of an event is kept.
const DefaultEventTTL = time.Hour

// RedisPublisher publishes each event on a channel named
// <prefix>:<entity>:<operation> and keeps a copy under <prefix>:event:<id>
// that expires after the TTL.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(ctx context.Context, redisURL, prefix string, ttl time.Duration) (*RedisPublisher, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisPublisherWithClient(client, prefix, ttl), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisPublisher {
	if prefix == "" {
		prefix = "orchestra"
	}
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisPublisher{client: client, prefix: prefix, ttl: ttl}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.Channel(ev), data)
	pipe.Set(ctx, p.Key(ev), data, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.ID, err)
	}
	return nil
}

// Channel is the pub/sub channel ev is published on.
func (p *RedisPublisher) Channel(ev model.Event) string {
	return p.prefix + ":" + ev.EntityType + ":" + ev.Operation
}

// Key is where the expiring copy of ev is stored.
func (p *RedisPublisher) Key(ev model.Event) string {
	return p.prefix + ":event:" + ev.ID
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
