package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/dkeye/spaces/internal/config"
	"github.com/dkeye/spaces/internal/domain"
)

type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "spaces"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *Redis) key(id domain.SpaceID) string {
	return fmt.Sprintf("%s:summary:%s", c.prefix, id)
}

func (c *Redis) Get(ctx context.Context, id domain.SpaceID) (Summary, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Summary{}, ErrCacheMiss
		}
		return Summary{}, fmt.Errorf("failed to get from redis: %w", err)
	}
	var s Summary
	if err := sonic.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	return s, nil
}

func (c *Redis) Set(ctx context.Context, s Summary) error {
	data, err := sonic.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := c.client.Set(ctx, c.key(s.SpaceID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *Redis) Delete(ctx context.Context, ids ...domain.SpaceID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

func (c *Redis) Close() error {
	return c.client.Close()
}
