// Package idempotency stores Idempotency-Key reservations and the responses
// of completed requests. Redis serves multi-instance deployments; the memory
// store sits on the in-process TTL cache.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("idempotency")

const (
	pending    = "pending"
	donePrefix = "done:"
)

// Redis implements port.IdempotencyStore on Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Reserve claims key with SET NX.
func (r *Redis) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Redis.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency.key", key))

	ok, err := r.client.SetNX(ctx, r.key(key), pending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (r *Redis) Complete(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "Redis.Complete")
	defer span.End()

	if err := r.client.Set(ctx, r.key(key), donePrefix+string(response), ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Lookup returns the stored response. A pending reservation is not a hit.
func (r *Redis) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "Redis.Lookup")
	defer span.End()

	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if !strings.HasPrefix(v, donePrefix) {
		return nil, false, nil
	}
	return []byte(strings.TrimPrefix(v, donePrefix)), true, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
