// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentcanvas/agentcanvas/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds Redis connection configuration for runtime use.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Username and Password authenticate against the server ACL.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys: "canvas:auth:".
	KeyPrefix string

	// RequireAtomic makes construction fail with ErrAtomicityUnsupported
	// when the server lacks scripting support, instead of selecting the
	// documented-racy best-effort strategy.
	RequireAtomic bool

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store backed by a Redis server. The atomic
// primitives are dispatched through a strategy selected once at
// construction time by probing the server's scripting capability.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	atomic    atomicStrategy
}

// atomicStrategy is the concrete implementation of the atomic primitives.
// Exactly one strategy is selected at construction.
type atomicStrategy interface {
	AtomicOps
}

// NewRedisStore connects to Redis and probes its capabilities.
// Returns ErrAtomicityUnsupported when cfg.RequireAtomic is set and the
// server rejects EVAL.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store, err := newRedisStoreWithClient(ctx, client, cfg.KeyPrefix, cfg.RequireAtomic)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(ctx context.Context, client redis.UniversalClient, keyPrefix string, requireAtomic bool) (*RedisStore, error) {
	return newRedisStoreWithClient(ctx, client, keyPrefix, requireAtomic)
}

func newRedisStoreWithClient(ctx context.Context, client redis.UniversalClient, keyPrefix string, requireAtomic bool) (*RedisStore, error) {
	s := &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}

	// Probe scripting support once. The strategy never changes afterwards,
	// so callers can rely on Atomic() being stable for the process lifetime.
	if err := probeScript.Run(ctx, client, []string{}).Err(); err != nil {
		if requireAtomic {
			return nil, fmt.Errorf("%w: %w", ErrAtomicityUnsupported, err)
		}
		logger.Warnw("redis scripting unavailable, using best-effort primitives",
			"error", err.Error(),
		)
		s.atomic = &bestEffortStrategy{client: client, prefix: keyPrefix}
		return s, nil
	}

	s.atomic = &scriptedStrategy{client: client, prefix: keyPrefix}
	return s, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the value under key, with ok=false when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	return val, true, nil
}

// Set writes value under key. A zero ttl means no expiry.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err()
}

// SetNX writes value under key only if absent.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx key: %w", err)
	}
	return ok, nil
}

// Del removes key. Removing an absent key is not an error.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.keyPrefix+key).Err()
}

// TTL returns the remaining time to live of key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get ttl: %w", err)
	}
	// go-redis passes through the protocol's special values: -2 means the
	// key does not exist, -1 means it exists with no expiry.
	if ttl == -2 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if ttl == -1 {
		return 0, nil
	}
	return ttl, nil
}

// SMembers returns all members of the set under key.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keyPrefix+key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return members, nil
}

// GetDel dispatches to the selected atomic strategy.
func (s *RedisStore) GetDel(ctx context.Context, key string) (string, bool, error) {
	return s.atomic.GetDel(ctx, key)
}

// IncrWithExpiry dispatches to the selected atomic strategy.
func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return s.atomic.IncrWithExpiry(ctx, key, window)
}

// SetNXWithIndex dispatches to the selected atomic strategy.
func (s *RedisStore) SetNXWithIndex(ctx context.Context, key, value, indexKey, member string) (bool, error) {
	return s.atomic.SetNXWithIndex(ctx, key, value, indexKey, member)
}

// DelWithIndex dispatches to the selected atomic strategy.
func (s *RedisStore) DelWithIndex(ctx context.Context, key, indexKey, member string) (bool, error) {
	return s.atomic.DelWithIndex(ctx, key, indexKey, member)
}

// Atomic reports whether the selected strategy is truly atomic.
func (s *RedisStore) Atomic() bool {
	return s.atomic.Atomic()
}

// Compile-time interface compliance check.
var _ Store = (*RedisStore)(nil)
