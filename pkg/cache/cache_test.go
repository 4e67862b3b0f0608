package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testinfra"
)

func TestSharded_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewSharded(4, 100)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)

	c.Set(ctx, "k1", "e1")
	id, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "e1", id)

	c.Set(ctx, "k1", "e2")
	id, _ = c.Get(ctx, "k1")
	assert.Equal(t, "e2", id)
	assert.Equal(t, 1, c.Len())

	c.Invalidate(ctx, "e1")
	_, ok = c.Get(ctx, "k1")
	assert.True(t, ok, "re-pointed key no longer belongs to e1")

	c.Delete(ctx, "k1")
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestSharded_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewSharded(1, 2)

	c.Set(ctx, "a", "e1")
	c.Set(ctx, "b", "e2")
	_, _ = c.Get(ctx, "a")
	c.Set(ctx, "c", "e3")

	_, ok := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestSharded_EvictionKeepsEntityIndex(t *testing.T) {
	ctx := context.Background()
	c := NewSharded(1, 2)
	s := c.shards[0]

	c.Set(ctx, "a", "e1")
	c.Set(ctx, "b", "e1")
	c.Set(ctx, "c", "e2")
	assert.Equal(t, map[string]struct{}{"b": {}}, s.byEntity["e1"], "evicted key leaves the index")

	c.Delete(ctx, "b")
	assert.NotContains(t, s.byEntity, "e1")

	c.Set(ctx, "c", "e1")
	assert.NotContains(t, s.byEntity, "e2", "re-pointed key leaves its old entity")

	c.Invalidate(ctx, "e1")
	assert.Zero(t, c.Len())
	assert.Empty(t, s.byEntity)
}

func TestSharded_InvalidateAcrossShards(t *testing.T) {
	ctx := context.Background()
	c := NewSharded(8, 1000)

	for i := 0; i < 50; i++ {
		c.Set(ctx, "key-"+strconv.Itoa(i), "e1")
	}
	c.Set(ctx, "other", "e2")

	c.Invalidate(ctx, "e1")

	assert.Equal(t, 1, c.Len())
	id, ok := c.Get(ctx, "other")
	require.True(t, ok)
	assert.Equal(t, "e2", id)
}

func TestSharded_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewSharded(16, 256)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k-%d", i%64)
				c.Set(ctx, key, fmt.Sprintf("e-%d", g))
				c.Get(ctx, key)
				if i%50 == 0 {
					c.Invalidate(ctx, fmt.Sprintf("e-%d", (g+1)%8))
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 256)
}

func TestTiered_PromotesSharedHits(t *testing.T) {
	ctx := context.Background()
	local := NewSharded(1, 10)
	shared := NewSharded(1, 10)
	c := NewTiered(local, shared)

	shared.Set(ctx, "k", "e1")
	id, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "e1", id)

	id, ok = local.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "e1", id)

	c.Invalidate(ctx, "e1")
	_, ok = local.Get(ctx, "k")
	assert.False(t, ok)
	_, ok = shared.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedis_Integration(t *testing.T) {
	svc := testinfra.Require(t, testinfra.StartRedis)
	ctx := context.Background()

	rdb := goredis.NewClient(&goredis.Options{Addr: svc.Host + ":" + svc.Port})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	c := NewRedis(rdb, logger, "test:", time.Minute)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)

	c.Set(ctx, "k1", "e1")
	c.Set(ctx, "k2", "e1")
	c.Set(ctx, "k3", "e2")

	id, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "e1", id)

	c.Invalidate(ctx, "e1")
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "k2")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "k3")
	assert.True(t, ok)

	c.Delete(ctx, "k3")
	_, ok = c.Get(ctx, "k3")
	assert.False(t, ok)
}
