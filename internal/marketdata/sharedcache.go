package marketdata

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"tradedesk/internal/core"
)

// MemorySharedCache is an in-process L2 tier for single-node deployments.
// It keeps the gateway's tiering semantics without an external cache to
// operate.
type MemorySharedCache struct {
	c *gocache.Cache
}

var _ core.ISharedCache = (*MemorySharedCache)(nil)

func NewMemorySharedCache(defaultTTL, purgeInterval time.Duration) *MemorySharedCache {
	return &MemorySharedCache{c: gocache.New(defaultTTL, purgeInterval)}
}

func (m *MemorySharedCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}
	data, ok := v.([]byte)
	return data, ok
}

func (m *MemorySharedCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.c.Set(key, value, ttl)
}
