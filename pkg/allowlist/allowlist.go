// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

// Package allowlist decides which email addresses may sign in. Membership is
// the union of a static operator-configured list and a dynamic store-backed
// list; only the dynamic list is mutable at runtime.
package allowlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentcanvas/agentcanvas/pkg/kvstore"
	"github.com/agentcanvas/agentcanvas/pkg/logger"
)

const (
	entryPrefix = "allowlist:entry:"
	indexKey    = "allowlist:index"
)

// Entry sources reported by List.
const (
	SourceEnv  = "env"
	SourceKV   = "kv"
	SourceBoth = "both"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the email is not in the dynamic list.
	ErrNotFound = errors.New("email not in allowlist")

	// ErrStaticEntry indicates a removal attempt against an email that is
	// only present in the static operator-configured list.
	ErrStaticEntry = errors.New("cannot remove email configured in the environment variable allowlist")
)

// Entry is one allowlisted email.
type Entry struct {
	Email   string    `json:"email"`
	AddedAt time.Time `json:"added_at,omitzero"`
	AddedBy string    `json:"added_by,omitempty"`
	Source  string    `json:"source"`
}

// storedEntry is the dynamic entry's persisted form.
type storedEntry struct {
	Email   string    `json:"email"`
	AddedAt time.Time `json:"added_at"`
	AddedBy string    `json:"added_by"`
}

// Gate merges the static and dynamic lists.
type Gate struct {
	store  kvstore.Store
	static map[string]struct{}
	now    func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock overrides the gate's time source. Intended for tests.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a Gate. staticEmails come from operator configuration and
// are normalized on the way in; entries on that list cannot be removed at
// runtime.
func NewGate(store kvstore.Store, staticEmails []string, opts ...GateOption) *Gate {
	static := make(map[string]struct{}, len(staticEmails))
	for _, e := range staticEmails {
		if n := Normalize(e); n != "" {
			static[n] = struct{}{}
		}
	}

	g := &Gate{
		store:  store,
		static: static,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Normalize canonicalizes an email for list membership: trimmed, lowercased.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsAllowed reports whether email is in the static list or the dynamic store.
func (g *Gate) IsAllowed(ctx context.Context, email string) (bool, error) {
	email = Normalize(email)
	if email == "" {
		return false, nil
	}
	if _, ok := g.static[email]; ok {
		return true, nil
	}
	_, ok, err := g.store.Get(ctx, entryPrefix+email)
	if err != nil {
		return false, fmt.Errorf("failed to check allowlist: %w", err)
	}
	return ok, nil
}

// IsStatic reports whether email is in the operator-configured list.
func (g *Gate) IsStatic(email string) bool {
	_, ok := g.static[Normalize(email)]
	return ok
}

// Add inserts email into the dynamic list. Returns false when the entry
// already exists. The entry write and the index update are one atomic unit,
// so two concurrent adds cannot both report success.
func (g *Gate) Add(ctx context.Context, email, addedBy string) (bool, error) {
	email = Normalize(email)
	if email == "" {
		return false, errors.New("email is required")
	}

	data, err := json.Marshal(storedEntry{
		Email:   email,
		AddedAt: g.now().UTC(),
		AddedBy: addedBy,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal allowlist entry: %w", err)
	}

	created, err := g.store.SetNXWithIndex(ctx, entryPrefix+email, string(data), indexKey, email)
	if err != nil {
		return false, fmt.Errorf("failed to add allowlist entry: %w", err)
	}
	return created, nil
}

// Remove deletes email from the dynamic list. Returns ErrStaticEntry when
// the email is only present in the static list (static entries are not
// removable this way), and ErrNotFound when it is in neither list. The
// entry delete and the index update are one atomic unit.
func (g *Gate) Remove(ctx context.Context, email string) error {
	email = Normalize(email)

	removed, err := g.store.DelWithIndex(ctx, entryPrefix+email, indexKey, email)
	if err != nil {
		return fmt.Errorf("failed to remove allowlist entry: %w", err)
	}
	if removed {
		return nil
	}
	if _, ok := g.static[email]; ok {
		return ErrStaticEntry
	}
	return fmt.Errorf("%w: %s", ErrNotFound, email)
}

// List returns the merged allowlist: static-sourced entries first (sorted by
// email), then dynamic-only entries by recency. An email present in both
// lists appears once, tagged SourceBoth.
func (g *Gate) List(ctx context.Context) ([]Entry, error) {
	members, err := g.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list allowlist index: %w", err)
	}

	dynamic := make(map[string]storedEntry, len(members))
	for _, email := range members {
		data, ok, err := g.store.Get(ctx, entryPrefix+email)
		if err != nil {
			return nil, fmt.Errorf("failed to read allowlist entry: %w", err)
		}
		if !ok {
			// The index referenced a deleted entry (best-effort backend
			// drift). Skip it; the next atomic write self-heals the index.
			logger.Warnw("allowlist index references missing entry",
				"email", email,
			)
			continue
		}
		var stored storedEntry
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowlist entry: %w", err)
		}
		dynamic[email] = stored
	}

	var statics, dynamics []Entry
	for email := range g.static {
		entry := Entry{Email: email, Source: SourceEnv}
		if stored, ok := dynamic[email]; ok {
			entry.Source = SourceBoth
			entry.AddedAt = stored.AddedAt
			entry.AddedBy = stored.AddedBy
			delete(dynamic, email)
		}
		statics = append(statics, entry)
	}
	for email, stored := range dynamic {
		dynamics = append(dynamics, Entry{
			Email:   email,
			AddedAt: stored.AddedAt,
			AddedBy: stored.AddedBy,
			Source:  SourceKV,
		})
	}

	sort.Slice(statics, func(i, j int) bool { return statics[i].Email < statics[j].Email })
	sort.Slice(dynamics, func(i, j int) bool {
		if !dynamics[i].AddedAt.Equal(dynamics[j].AddedAt) {
			return dynamics[i].AddedAt.After(dynamics[j].AddedAt)
		}
		return dynamics[i].Email < dynamics[j].Email
	})

	return append(statics, dynamics...), nil
}
