package cache

import "context"

// Tiered reads through a local cache to a shared one.
type Tiered struct {
	local  Cache
	shared Cache
}

var _ Cache = (*Tiered)(nil)

func NewTiered(local, shared Cache) *Tiered {
	return &Tiered{local: local, shared: shared}
}

func (c *Tiered) Get(ctx context.Context, key string) (string, bool) {
	if id, ok := c.local.Get(ctx, key); ok {
		return id, true
	}
	id, ok := c.shared.Get(ctx, key)
	if ok {
		c.local.Set(ctx, key, id)
	}
	return id, ok
}

func (c *Tiered) Set(ctx context.Context, key, entityID string) {
	c.local.Set(ctx, key, entityID)
	c.shared.Set(ctx, key, entityID)
}

func (c *Tiered) Delete(ctx context.Context, key string) {
	c.local.Delete(ctx, key)
	c.shared.Delete(ctx, key)
}

func (c *Tiered) Invalidate(ctx context.Context, entityIDs ...string) {
	c.local.Invalidate(ctx, entityIDs...)
	c.shared.Invalidate(ctx, entityIDs...)
}
