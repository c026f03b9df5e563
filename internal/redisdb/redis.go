package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/codepair/gateway/internal/slogging"
	"github.com/redis/go-redis/v9"
)

// Config holds the configuration for the Redis connection
type Config struct {
	Addr     string
	Password string
	DB       int
}

// DB represents a Redis database connection shared by the connection
// registry and the pub/sub bus.
type DB struct {
	client *redis.Client
	cfg    Config
}

// New creates a new Redis connection and verifies it with a ping.
func New(cfg Config) (*DB, error) {
	logger := slogging.Get()
	logger.Debug("Initializing Redis connection to %s DB=%d", cfg.Addr, cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to ping Redis: %v", err)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Debug("Redis connection established")

	return &DB{client: client, cfg: cfg}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests backed by miniredis.
func NewFromClient(client *redis.Client) *DB {
	return &DB{client: client}
}

// Close closes the Redis connection
func (db *DB) Close() error {
	if db.client != nil {
		return db.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (db *DB) Client() *redis.Client {
	return db.client
}

// Ping checks if the Redis connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.client.Ping(ctx).Err()
}

// Set sets a key-value pair with expiration
func (db *DB) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return db.client.Set(ctx, key, value, expiration).Err()
}

// Get gets a value by key
func (db *DB) Get(ctx context.Context, key string) (string, error) {
	return db.client.Get(ctx, key).Result()
}

// Del deletes a key
func (db *DB) Del(ctx context.Context, key string) error {
	return db.client.Del(ctx, key).Err()
}

// Expire sets an expiration on a key
func (db *DB) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return db.client.Expire(ctx, key, expiration).Err()
}

// IsNil reports whether err is the Redis nil-reply error (key absent).
func IsNil(err error) bool {
	return err == redis.Nil
}
