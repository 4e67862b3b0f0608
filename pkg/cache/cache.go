// Package cache memoizes mention fingerprints to canonical IDs. Entries are hints: callers
// re-check the entity before trusting a hit.
package cache

import "context"

// Cache maps a mention fingerprint to a canonical entity ID.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, entityID string)
	Delete(ctx context.Context, key string)
	// Invalidate drops every key pointing at any of the entities.
	Invalidate(ctx context.Context, entityIDs ...string)
}

// Noop never hits.
type Noop struct{}

func (Noop) Get(context.Context, string) (string, bool) { return "", false }
func (Noop) Set(context.Context, string, string)        {}
func (Noop) Delete(context.Context, string)             {}
func (Noop) Invalidate(context.Context, ...string)      {}
