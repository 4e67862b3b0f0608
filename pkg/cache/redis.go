package cache

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"
)

// Redis is a shared cache. Keys live under <prefix>resolve:<key>; each entity keeps the set
// of keys pointing at it under <prefix>entity-keys:<id> for invalidation. Redis failures are
// logged and treated as misses.
type Redis struct {
	rdb    redis.Cmdable
	logger ectologger.Logger
	prefix string
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

func NewRedis(rdb redis.Cmdable, logger ectologger.Logger, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "fern:"
	}
	return &Redis{rdb: rdb, logger: logger, prefix: prefix, ttl: ttl}
}

func (c *Redis) resolveKey(key string) string {
	return c.prefix + "resolve:" + key
}

func (c *Redis) entityKey(id string) string {
	return c.prefix + "entity-keys:" + id
}

func (c *Redis) Get(ctx context.Context, key string) (string, bool) {
	id, err := c.rdb.Get(ctx, c.resolveKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithContext(ctx).WithError(err).Warn("Redis cache get failed")
		}
		return "", false
	}
	return id, true
}

func (c *Redis) Set(ctx context.Context, key, entityID string) {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.resolveKey(key), entityID, c.ttl)
		pipe.SAdd(ctx, c.entityKey(entityID), key)
		if c.ttl > 0 {
			pipe.Expire(ctx, c.entityKey(entityID), c.ttl)
		}
		return nil
	})
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Redis cache set failed")
	}
}

func (c *Redis) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, c.resolveKey(key)).Err(); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Redis cache delete failed")
	}
}

func (c *Redis) Invalidate(ctx context.Context, entityIDs ...string) {
	for _, id := range entityIDs {
		keys, err := c.rdb.SMembers(ctx, c.entityKey(id)).Result()
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("entity_id", id).Warn("Redis cache invalidate failed")
			continue
		}

		del := make([]string, 0, len(keys)+1)
		for _, k := range keys {
			del = append(del, c.resolveKey(k))
		}
		del = append(del, c.entityKey(id))
		if err := c.rdb.Del(ctx, del...).Err(); err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("entity_id", id).Warn("Redis cache invalidate failed")
		}
	}
}
