package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores snapshots as plain string values without expiry.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect to redis: %v", ErrConnection, err)
	}

	return NewRedisWithClient(client, prefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(docID string) string {
	return blobKey(r.prefix, docID)
}

func (r *Redis) Load(ctx context.Context, docID string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(docID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrConnection, docID, err)
	}
	return data, nil
}

func (r *Redis) Save(ctx context.Context, docID string, data []byte) error {
	if err := r.client.Set(ctx, r.key(docID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrConnection, docID, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, docID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(docID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", ErrConnection, docID, err)
	}
	return n > 0, nil
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
