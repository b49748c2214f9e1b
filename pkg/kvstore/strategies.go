// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// probeScript is run once at construction to detect scripting support.
var probeScript = redis.NewScript(`return 1`)

// getDelScript atomically reads and deletes a key. Under concurrent callers
// at most one observes the value; the rest see nil.
var getDelScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return false
end
redis.call('DEL', KEYS[1])
return v
`)

// incrExpiryScript increments a counter and sets the window expiry only on
// the transition from absent to 1, so a window opened at t always closes at
// t+window. Returns {count, remaining-ttl-ms}.
var incrExpiryScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local t = redis.call('PTTL', KEYS[1])
return {c, t}
`)

// setNXIndexScript writes an entry and its index membership in one unit.
var setNXIndexScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// delIndexScript deletes an entry and its index membership in one unit.
var delIndexScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return n
`)

// scriptedStrategy implements the atomic primitives with server-side Lua.
// Every call is a single EVALSHA round-trip over one atomic unit.
type scriptedStrategy struct {
	client redis.UniversalClient
	prefix string
}

func (s *scriptedStrategy) GetDel(ctx context.Context, key string) (string, bool, error) {
	val, err := getDelScript.Run(ctx, s.client, []string{s.prefix + key}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("getdel script failed: %w", err)
	}
	return val, true, nil
}

func (s *scriptedStrategy) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrExpiryScript.Run(ctx, s.client,
		[]string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incr script failed: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("incr script returned %d values, want 2", len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *scriptedStrategy) SetNXWithIndex(ctx context.Context, key, value, indexKey, member string) (bool, error) {
	res, err := setNXIndexScript.Run(ctx, s.client,
		[]string{s.prefix + key, s.prefix + indexKey}, value, member).Int()
	if err != nil {
		return false, fmt.Errorf("setnx script failed: %w", err)
	}
	return res == 1, nil
}

func (s *scriptedStrategy) DelWithIndex(ctx context.Context, key, indexKey, member string) (bool, error) {
	res, err := delIndexScript.Run(ctx, s.client,
		[]string{s.prefix + key, s.prefix + indexKey}, member).Int()
	if err != nil {
		return false, fmt.Errorf("del script failed: %w", err)
	}
	return res > 0, nil
}

func (*scriptedStrategy) Atomic() bool { return true }

// bestEffortStrategy implements the primitives as separate round-trips for
// servers without scripting support.
//
// This strategy is racy: two concurrent GetDel callers can both observe the
// value before either delete lands, a counter can briefly exist without an
// expiry, and an entry write can land without its index update. The races
// are bounded (a window never extends, an index self-heals on the next
// atomic write) but callers needing exactly-once semantics must not accept
// this strategy; see Config.RequireAtomic.
type bestEffortStrategy struct {
	client redis.UniversalClient
	prefix string
}

func (s *bestEffortStrategy) GetDel(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	// Racy window: another caller may read the same value before this
	// delete executes. At-least-once, not exactly-once.
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return "", false, fmt.Errorf("failed to delete key: %w", err)
	}
	return val, true, nil
}

func (s *bestEffortStrategy) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := s.client.Incr(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to incr key: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, s.prefix+key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to set window expiry: %w", err)
		}
	}
	ttl, err := s.client.PTTL(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get window ttl: %w", err)
	}
	if ttl < 0 {
		// The key lost its expiry (or the process died between INCR and
		// PEXPIRE on a previous call). Re-arm it so the window is bounded.
		if err := s.client.PExpire(ctx, s.prefix+key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to re-arm window expiry: %w", err)
		}
		ttl = window
	}
	return count, ttl, nil
}

func (s *bestEffortStrategy) SetNXWithIndex(ctx context.Context, key, value, indexKey, member string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx key: %w", err)
	}
	if !ok {
		return false, nil
	}
	// Narrow window where the entry exists without its index. The index is
	// self-healed by the next successful write for the same member.
	if err := s.client.SAdd(ctx, s.prefix+indexKey, member).Err(); err != nil {
		return false, fmt.Errorf("failed to add index member: %w", err)
	}
	return true, nil
}

func (s *bestEffortStrategy) DelWithIndex(ctx context.Context, key, indexKey, member string) (bool, error) {
	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}
	if err := s.client.SRem(ctx, s.prefix+indexKey, member).Err(); err != nil {
		return false, fmt.Errorf("failed to remove index member: %w", err)
	}
	return n > 0, nil
}

func (*bestEffortStrategy) Atomic() bool { return false }

// Compile-time interface compliance checks.
var (
	_ atomicStrategy = (*scriptedStrategy)(nil)
	_ atomicStrategy = (*bestEffortStrategy)(nil)
)
