package exposure

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisPersister keeps exposure counts in a single Redis hash so that
// several API servers share one budget. HINCRBY makes each delta atomic.
type RedisPersister struct {
	client *redis.Client
	key    string
}

// NewRedisPersister connects to url and checks the connection.
func NewRedisPersister(ctx context.Context, url, key string) (*RedisPersister, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisPersister{client: client, key: key}, nil
}

func (p *RedisPersister) LoadExposure(ctx context.Context) (map[string]int, error) {
	raw, err := p.client.HGetAll(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", p.key, err)
	}

	counts := make(map[string]int, len(raw))
	for id, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse count for %s: %w", id, err)
		}
		counts[id] = n
	}
	return counts, nil
}

func (p *RedisPersister) AddExposure(ctx context.Context, deltas map[string]int) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, n := range deltas {
			pipe.HIncrBy(ctx, p.key, id, int64(n))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hincrby %s: %w", p.key, err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
