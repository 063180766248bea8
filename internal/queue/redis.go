package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	URL            string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// RedisSource is a Source backed by a Redis list. Push uses LPUSH and pops
// use BRPOP, so the right end of the list is the head.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource connects to Redis and verifies the connection with PING.
func NewRedisSource(ctx context.Context, opts RedisOptions) (*RedisSource, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379/0"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout
	// Blocking commands extend the read deadline by their own timeout.
	redisOpts.ContextTimeoutEnabled = true

	client := redis.NewClient(redisOpts)

	pctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisSource{client: client}, nil
}

// NewRedisSourceFromClient wraps an existing client.
func NewRedisSourceFromClient(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	// BRPOP takes whole seconds; a zero timeout would block forever.
	if timeout < time.Second {
		timeout = time.Second
	}

	result, err := s.client.BRPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("brpop %s: %w", key, err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result length: %d", len(result))
	}
	return []byte(result[1]), nil
}

func (s *RedisSource) Requeue(ctx context.Context, key string, data []byte) error {
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("requeue to %s: %w", key, err)
	}
	return nil
}

func (s *RedisSource) Push(ctx context.Context, key string, data []byte) error {
	if err := s.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", key, err)
	}
	return nil
}

func (s *RedisSource) Depth(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}
