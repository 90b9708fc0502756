/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for room state and
// queue snapshots served on the hot read paths.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values for different cache types
const (
	DefaultRoomListTTL  = 5 * time.Minute
	DefaultRoomStateTTL = 10 * time.Second
	DefaultQueueTTL     = 10 * time.Second
	DefaultHistoryTTL   = 30 * time.Second
)

// Key prefixes for Redis cache
const (
	KeyRoomList  = "bragi:cache:rooms"
	KeyRoomState = "bragi:cache:room_state:" // + room_id
	KeyQueue     = "bragi:cache:queue:"      // + room_id
	KeyHistory   = "bragi:cache:history:"    // + room_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	RoomListTTL  time.Duration
	RoomStateTTL time.Duration
	QueueTTL     time.Duration
	HistoryTTL   time.Duration

	// Fallback behavior
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		RoomListTTL:    DefaultRoomListTTL,
		RoomStateTTL:   DefaultRoomStateTTL,
		QueueTTL:       DefaultQueueTTL,
		HistoryTTL:     DefaultHistoryTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback. When Redis is
// unreachable every lookup misses and the caller reads the database.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
}

// New creates a new cache instance.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

func (c *Cache) delete(ctx context.Context, keys ...string) error {
	if !c.IsAvailable() || len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// Projection accessors. Values round-trip through JSON so callers keep
// their own read-model types; a decode failure counts as a miss.

// GetRoomList reads the cached room list into dest.
func (c *Cache) GetRoomList(ctx context.Context, dest any) bool {
	found, err := c.get(ctx, KeyRoomList, dest)
	return err == nil && found
}

// SetRoomList stores the room list.
func (c *Cache) SetRoomList(ctx context.Context, rooms any) {
	_ = c.set(ctx, KeyRoomList, rooms, c.config.RoomListTTL)
}

// GetRoomState reads a cached playback snapshot into dest.
func (c *Cache) GetRoomState(ctx context.Context, roomID string, dest any) bool {
	found, err := c.get(ctx, KeyRoomState+roomID, dest)
	return err == nil && found
}

// SetRoomState stores a playback snapshot.
func (c *Cache) SetRoomState(ctx context.Context, roomID string, state any) {
	_ = c.set(ctx, KeyRoomState+roomID, state, c.config.RoomStateTTL)
}

// GetQueue reads the cached queue snapshot into dest.
func (c *Cache) GetQueue(ctx context.Context, roomID string, dest any) bool {
	found, err := c.get(ctx, KeyQueue+roomID, dest)
	return err == nil && found
}

// SetQueue stores a queue snapshot.
func (c *Cache) SetQueue(ctx context.Context, roomID string, items any) {
	_ = c.set(ctx, KeyQueue+roomID, items, c.config.QueueTTL)
}

// GetHistory reads the cached play-history window into dest.
func (c *Cache) GetHistory(ctx context.Context, roomID string, dest any) bool {
	found, err := c.get(ctx, KeyHistory+roomID, dest)
	return err == nil && found
}

// SetHistory stores a play-history window.
func (c *Cache) SetHistory(ctx context.Context, roomID string, rows any) {
	_ = c.set(ctx, KeyHistory+roomID, rows, c.config.HistoryTTL)
}

// InvalidateRoom drops every cached projection for a room. Called after any
// scheduler mutation so reads never serve a stale snapshot past the TTL.
func (c *Cache) InvalidateRoom(ctx context.Context, roomID string) {
	_ = c.delete(ctx,
		KeyRoomState+roomID,
		KeyQueue+roomID,
		KeyHistory+roomID,
	)
}

// InvalidateRoomList drops the cached room list.
func (c *Cache) InvalidateRoomList(ctx context.Context) {
	_ = c.delete(ctx, KeyRoomList)
}
