// Package redis provides the Redis client shared by the cluster store and the result archive.
package redis

import (
	"context"
	"fmt"
	"time"

	config "github.com/crabzie/agent-orchestrator/config/utils"

	"github.com/gofiber/storage/redis/v3"
	redigo "github.com/redis/go-redis/v9"
)

type Redis struct {
	// Client serves the leader lock, the node registry and the cluster channels.
	Client redigo.UniversalClient
	// Storage serves the result archive on the same connection pool.
	Storage *redis.Storage
}

// New creates a new instance of Redis
func New(ctx context.Context, config *config.Redis) (*Redis, error) {
	addr := config.Addr
	if addr == "" {
		addr = config.Host + ":" + config.Port
	}

	client := redigo.NewUniversalClient(&redigo.UniversalOptions{
		Addrs:           []string{addr},
		Password:        config.Password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	storage := redis.NewFromConnection(client)

	return &Redis{Client: client, Storage: storage}, nil
}

// Close releases the shared connection pool.
func (r *Redis) Close() error {
	return r.Client.Close()
}
