package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClients separates the publishing connection from the subscribing
// one; a long-lived subscription must not share a connection with writes.
type RedisClients struct {
	Pub *redis.Client
	Sub *redis.Client
}

func NewRedisClients(redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pubClient := redis.NewClient(opt)
	if err := pubClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis (pub): %w", err)
	}

	subOpt := *opt
	subClient := redis.NewClient(&subOpt)
	if err := subClient.Ping(ctx).Err(); err != nil {
		pubClient.Close()
		return nil, fmt.Errorf("failed to ping Redis (sub): %w", err)
	}

	return &RedisClients{
		Pub: pubClient,
		Sub: subClient,
	}, nil
}

func (r *RedisClients) Close() {
	r.Pub.Close()
	r.Sub.Close()
}
