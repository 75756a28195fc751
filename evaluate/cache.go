package evaluate

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

const DefaultCacheSize = 50

// Cache is a bounded, concurrency-safe LRU of evaluator verdicts with an
// optional per-entry TTL.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// NewCache returns a cache holding at most size entries. A zero ttl keeps
// entries until they are evicted by size.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{lru: lru.New(size), ttl: ttl, now: time.Now}
}

func (c *Cache) Get(key string) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return Result{}, false
	}
	entry := v.(cacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		c.lru.Remove(key)
		return Result{}, false
	}
	return entry.result, true
}

func (c *Cache) Add(key string, r Result) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, cacheEntry{result: r, storedAt: c.now()})
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CacheKey is the first 50 runes of text and the first 30 of the
// checkpoint name joined by a colon.
func CacheKey(text, checkpointName string) string {
	return prefix(text, 50) + ":" + prefix(checkpointName, 30)
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
