package batch

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResponseCache stores full responses behind a continuation id so a
// truncated batch result can be retrieved later. This is the minimal
// in-process contract plus a bounded in-memory implementation satisfying
// it. A distributed (e.g. Redis-backed) implementation is not provided —
// nothing in this system needs cross-process cache sharing yet.
type ResponseCache interface {
	Store(id string, value any, ttl time.Duration)
	Fetch(id string) (value any, ok bool)
}

type cacheEntry struct {
	id       string
	value    any
	expires  time.Time
}

// MemoryCache is a bounded LRU ResponseCache. Eviction is both
// size-bounded (oldest entry dropped once MaxEntries is exceeded) and
// TTL-bounded (Fetch rejects expired entries lazily).
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
}

// NewMemoryCache builds a cache bounded to maxEntries, matching the
// default entry-count cap carried over from the truncation config this
// was grounded on.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{maxEntries: maxEntries, entries: make(map[string]*list.Element), order: list.New()}
}

func (c *MemoryCache) Store(id string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	entry := &cacheEntry{id: id, value: value, expires: time.Now().Add(ttl)}
	if el, ok := c.entries[id]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(entry)
	c.entries[id] = el
	if c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).id)
		}
	}
}

func (c *MemoryCache) Fetch(id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, id)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func shortID() string {
	return uuid.NewString()[:8]
}
