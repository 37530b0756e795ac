package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache is the in-process ObjectCache used in lite mode, when no
// Redis endpoint is configured. Entries are lost on restart, which is
// acceptable: the durable store remains the source of truth.
type MemoryCache struct {
	mu    sync.Mutex
	items *ttlcache.Cache[string, []byte]
}

var _ ObjectCache = (*MemoryCache)(nil)

// NewMemoryCache builds a process-local cache bounded to capacity entries.
func NewMemoryCache(capacity uint64) *MemoryCache {
	c := ttlcache.New[string, []byte](
		ttlcache.WithCapacity[string, []byte](capacity),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &MemoryCache{items: c}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.items.Get(key)
	if item == nil {
		return nil, ErrMiss
	}
	return item.Value(), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	c.items.Set(key, value, ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Delete(key)
	return nil
}

func (c *MemoryCache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if item := c.items.Get(key); item != nil {
		parsed, err := strconv.ParseInt(string(item.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache incr %s: non-numeric value", key)
		}
		n = parsed
	}
	n++
	c.items.Set(key, []byte(strconv.FormatInt(n, 10)), ttlcache.NoTTL)
	return n, nil
}

func (c *MemoryCache) Close() error {
	c.items.Stop()
	return nil
}
