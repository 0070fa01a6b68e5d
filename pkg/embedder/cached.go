package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/jodaltro/tamagotchi/pkg/memory"
)

// Cached memoizes vectors per model and text. Absent vectors and errors
// are never cached.
type Cached struct {
	inner memory.Embedder
	cache *ristretto.Cache
	ttl   time.Duration
}

var _ memory.Embedder = (*Cached)(nil)

// NewCached wraps inner with a cache holding up to maxItems vectors.
func NewCached(inner memory.Embedder, maxItems int64, ttl time.Duration) (*Cached, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache, ttl: ttl}, nil
}

func (c *Cached) ModelID() string { return c.inner.ModelID() }

func (c *Cached) Embed(ctx context.Context, text string) (memory.Vector, error) {
	key := c.inner.ModelID() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.(memory.Vector); ok {
			return vec, nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil || !vec.Present() {
		return vec, err
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, vec, 1, c.ttl)
	} else {
		c.cache.Set(key, vec, 1)
	}
	return vec, nil
}

// Wait blocks until buffered cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

func (c *Cached) Close() { c.cache.Close() }
