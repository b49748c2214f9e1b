// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package allowlist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/agentcanvas/agentcanvas/pkg/kvstore"
)

func newTestGate(t *testing.T, staticEmails []string, opts ...GateOption) *Gate {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := kvstore.NewRedisStoreWithClient(context.Background(), client, "test:", true)
	require.NoError(t, err)
	return NewGate(store, staticEmails, opts...)
}

func TestIsAllowedUnion(t *testing.T) {
	t.Parallel()

	gate := newTestGate(t, []string{"Admin@Example.com"})
	ctx := context.Background()

	_, err := gate.Add(ctx, "dynamic@example.com", "admin@example.com")
	require.NoError(t, err)
	_, err = gate.Add(ctx, "admin@example.com", "admin@example.com")
	require.NoError(t, err)

	tests := []struct {
		email string
		want  bool
	}{
		{"admin@example.com", true},     // both lists
		{"ADMIN@example.com ", true},    // normalization
		{"dynamic@example.com", true},   // dynamic only
		{"stranger@example.com", false}, // neither
		{"", false},
	}

	for _, tt := range tests {
		got, err := gate.IsAllowed(ctx, tt.email)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "IsAllowed(%q)", tt.email)
	}
}

func TestAddIdempotence(t *testing.T) {
	t.Parallel()

	gate := newTestGate(t, nil)
	ctx := context.Background()

	created, err := gate.Add(ctx, "new@example.com", "admin@example.com")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = gate.Add(ctx, " NEW@example.com", "another-admin@example.com")
	require.NoError(t, err)
	assert.False(t, created, "duplicate add must report already-present")

	entries, err := gate.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin@example.com", entries[0].AddedBy, "original entry is preserved")
}

func TestConcurrentAddSingleWinner(t *testing.T) {
	t.Parallel()

	gate := newTestGate(t, nil)
	ctx := context.Background()

	const adders = 16

	results := make(chan bool, adders)
	var g errgroup.Group
	for range adders {
		g.Go(func() error {
			created, err := gate.Add(ctx, "contended@example.com", "admin")
			if err != nil {
				return err
			}
			results <- created
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	var winners int
	for created := range results {
		if created {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent add may report success")

	entries, err := gate.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "index must hold exactly one entry")
}

func TestRemove(t *testing.T) {
	t.Parallel()

	gate := newTestGate(t, []string{"static@example.com"})
	ctx := context.Background()

	_, err := gate.Add(ctx, "dynamic@example.com", "admin")
	require.NoError(t, err)

	require.NoError(t, gate.Remove(ctx, "dynamic@example.com"))

	allowed, err := gate.IsAllowed(ctx, "dynamic@example.com")
	require.NoError(t, err)
	assert.False(t, allowed)

	err = gate.Remove(ctx, "dynamic@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveStaticForbidden(t *testing.T) {
	t.Parallel()

	gate := newTestGate(t, []string{"static@example.com"})
	ctx := context.Background()

	err := gate.Remove(ctx, "static@example.com")
	assert.ErrorIs(t, err, ErrStaticEntry)

	// The static membership is untouched.
	allowed, err := gate.IsAllowed(ctx, "static@example.com")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRemoveStaticWithDynamicShadow(t *testing.T) {
	t.Parallel()

	gate := newTestGate(t, []string{"static@example.com"})
	ctx := context.Background()

	// When the email is in both lists, removal strips the dynamic entry
	// but the static membership keeps the address allowed.
	_, err := gate.Add(ctx, "static@example.com", "admin")
	require.NoError(t, err)

	require.NoError(t, gate.Remove(ctx, "static@example.com"))

	allowed, err := gate.IsAllowed(ctx, "static@example.com")
	require.NoError(t, err)
	assert.True(t, allowed)

	// A second removal now hits the static-only case.
	assert.ErrorIs(t, gate.Remove(ctx, "static@example.com"), ErrStaticEntry)
}

func TestListMergeAndOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	gate := newTestGate(t, []string{"zeta@example.com", "alpha@example.com"},
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := gate.Add(ctx, "older@example.com", "admin")
	require.NoError(t, err)
	now = base.Add(time.Hour)
	_, err = gate.Add(ctx, "newer@example.com", "admin")
	require.NoError(t, err)
	now = base.Add(2 * time.Hour)
	_, err = gate.Add(ctx, "alpha@example.com", "admin")
	require.NoError(t, err)

	entries, err := gate.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	// Static-sourced first, ordered by email.
	assert.Equal(t, "alpha@example.com", entries[0].Email)
	assert.Equal(t, SourceBoth, entries[0].Source)
	assert.Equal(t, "zeta@example.com", entries[1].Email)
	assert.Equal(t, SourceEnv, entries[1].Source)

	// Then dynamic-only entries, newest first.
	assert.Equal(t, "newer@example.com", entries[2].Email)
	assert.Equal(t, SourceKV, entries[2].Source)
	assert.Equal(t, "older@example.com", entries[3].Email)
}

func TestIsStatic(t *testing.T) {
	t.Parallel()

	gate := newTestGate(t, []string{"static@example.com"})
	assert.True(t, gate.IsStatic(" STATIC@example.com"))
	assert.False(t, gate.IsStatic("other@example.com"))
}
