// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvstore provides the shared key-value store used for all
// cross-request coordination: single-use token consumption, rate-limit
// counters, and the dynamic allowlist with its secondary index.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrAtomicityUnsupported indicates the backing store does not support
	// server-side scripting and the deployment requires strict atomicity.
	ErrAtomicityUnsupported = errors.New("store does not support atomic scripting")
)

// AtomicOps are the race-free primitives the auth subsystem depends on.
//
// Implementations selected by capability probing are truly atomic (one
// server-side script per call). The best-effort implementation is NOT
// atomic and is documented as such; callers that require exactly-once
// semantics must construct the store with RequireAtomic set so that a
// non-atomic deployment fails fast instead of silently degrading.
type AtomicOps interface {
	// GetDel returns and removes the value under key. Under concurrent
	// callers at most one observes ok=true for a given key (atomic
	// implementations only).
	GetDel(ctx context.Context, key string) (value string, ok bool, err error)

	// IncrWithExpiry increments the counter under key, setting the key's
	// expiry to window on the transition from absent to 1, and returns the
	// new count together with the remaining TTL.
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// SetNXWithIndex writes value under key only if key is absent, adding
	// member to the set under indexKey in the same unit. Returns false if
	// the key already existed.
	SetNXWithIndex(ctx context.Context, key, value, indexKey, member string) (bool, error)

	// DelWithIndex deletes key and removes member from the set under
	// indexKey in the same unit. Returns false if the key did not exist.
	DelWithIndex(ctx context.Context, key, indexKey, member string) (bool, error)

	// Atomic reports whether the primitives above execute as single
	// server-side units.
	Atomic() bool
}

// Store is the full key-value surface consumed by the auth subsystem.
type Store interface {
	AtomicOps

	// Get returns the value under key, with ok=false when absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value under key only if absent. Returns false if the key
	// already existed.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error

	// TTL returns the remaining time to live of key. Returns ErrNotFound
	// for absent keys.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SMembers returns all members of the set under key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Ping checks store connectivity (health check).
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
