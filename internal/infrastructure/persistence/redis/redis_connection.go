// Package redis manages the shared-store connection. The store is the single
// source of truth for bucket, breaker, and queue state across all process
// instances; every component receives the client from here.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// Connection wraps the go-redis universal client with lifecycle management.
type Connection struct {
	Client redis.UniversalClient
	cfg    *config.RedisConfig
	log    logger.Logger
}

// NewConnection creates a client from config and verifies connectivity with a
// ping. A single address gets a standalone client; multiple addresses get a
// cluster client.
func NewConnection(cfg *config.RedisConfig, log logger.Logger) (*Connection, error) {
	client := newClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info(ctx, "redis connection established",
		logger.Any("addresses", cfg.Addresses),
		logger.Int("pool_size", cfg.PoolSize),
	)

	return &Connection{Client: client, cfg: cfg, log: log}, nil
}

func newClient(cfg *config.RedisConfig) redis.UniversalClient {
	var tlsConfig *tls.Config
	if cfg.EnableTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		TLSConfig:    tlsConfig,
	})
}

// HealthCheck pings the store; used by the readiness endpoint.
func (c *Connection) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Connection) Close() error {
	c.log.Info(context.Background(), "closing redis connection")
	return c.Client.Close()
}
