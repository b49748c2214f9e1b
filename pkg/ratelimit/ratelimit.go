// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements a fixed-window request limiter backed by the
// shared key-value store. Each identifier gets an independent counter whose
// window is fixed from the first request, not from subsequent checks.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/agentcanvas/agentcanvas/pkg/kvstore"
)

// Policies applied by the magic-link endpoints.
var (
	// DefaultIPPolicy is the looser per-IP policy.
	DefaultIPPolicy = Policy{MaxRequests: 10, Window: 15 * time.Minute}

	// DefaultEmailPolicy is the stricter per-identity policy.
	DefaultEmailPolicy = Policy{MaxRequests: 5, Window: 15 * time.Minute}
)

// Policy configures a fixed-window limit.
type Policy struct {
	// MaxRequests is the number of requests permitted per window.
	MaxRequests int64

	// Window is the fixed window length, measured from the first request.
	Window time.Duration
}

// Result reports the outcome of a limit check.
type Result struct {
	// Allowed is false when the request exceeds the policy.
	Allowed bool

	// Remaining is the number of requests left in the current window.
	Remaining int64

	// ResetAt is when the current window expires. It is derived from the
	// counter's remaining TTL so repeated checks within a window agree on
	// the same boundary.
	ResetAt time.Time
}

// RetryAfter returns the duration a rejected caller should wait, rounded up
// to whole seconds for use in a Retry-After header.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}

// Limiter checks fixed-window limits against the shared store.
type Limiter struct {
	ops kvstore.AtomicOps
	now func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the limiter's time source. Intended for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a Limiter over the given atomic primitives.
func NewLimiter(ops kvstore.AtomicOps, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		ops: ops,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check increments the counter for identifier and evaluates it against the
// policy. The increment happens regardless of outcome; a rejected request
// still counts against the window, matching the store-side semantics of a
// fixed-window counter.
func (l *Limiter) Check(ctx context.Context, identifier string, policy Policy) (Result, error) {
	if identifier == "" {
		return Result{}, fmt.Errorf("rate limit identifier is required")
	}

	count, ttl, err := l.ops.IncrWithExpiry(ctx, "ratelimit:"+identifier, policy.Window)
	if err != nil {
		return Result{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	remaining := policy.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= policy.MaxRequests,
		Remaining: remaining,
		ResetAt:   l.now().Add(ttl),
	}, nil
}
