package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// PublishEvent publishes a message to a pub/sub channel
func (c *Client) PublishEvent(ctx context.Context, channel, message string) error {
	err := c.redis.Publish(ctx, channel, message).Err()
	if err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// SetWithExpiry sets a key with expiration
func (c *Client) SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	return nil
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// SetNX sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.redis.Close()
}
