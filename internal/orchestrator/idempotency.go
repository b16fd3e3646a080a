package orchestrator

import (
	"container/list"
	"sync"
	"time"
)

// idempotencyCache is a per-process, bounded, TTL-expiring cache mapping
// "<kind>:<subject>:<caller-key>" to a previously-computed result. A hit
// short-circuits the entire pipeline and returns the stored result
// verbatim, including not re-emitting events — so the stored value must be
// the exact result the first call returned, not something recomputed.
//
// Grounded in the same replay concept as the teacher's
// internal/storage/idempotency.go (reserve-by-key, replay on duplicate),
// simplified to an in-process structure per spec.md §9 ("the idempotency
// cache is per-orchestrator-instance, not truly global ... in a
// multi-process deployment, idempotency is per-process").
type idempotencyCache struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = oldest
}

type idempotencyEntry struct {
	key       string
	value     any
	expiresAt time.Time
}

func newIdempotencyCache(maxSize int, ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// get returns the cached value for key if present and not expired.
func (c *idempotencyCache) get(key string, now time.Time) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*idempotencyEntry)
	if now.After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// put stores value under key, pruning expired entries opportunistically and
// evicting the oldest entry if the cache is at capacity.
func (c *idempotencyCache) put(key string, value any, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpiredLocked(now)

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*idempotencyEntry).key)
	}

	entry := &idempotencyEntry{key: key, value: value, expiresAt: now.Add(c.ttl)}
	el := c.order.PushBack(entry)
	c.entries[key] = el
}

func (c *idempotencyCache) pruneExpiredLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			break
		}
		entry := front.Value.(*idempotencyEntry)
		if now.After(entry.expiresAt) {
			c.order.Remove(front)
			delete(c.entries, entry.key)
			continue
		}
		break // order is insertion order, not expiry order, but entries
		// inserted earlier also have earlier (or equal) expiry since TTL
		// is fixed — so the first non-expired entry ends the prune scan.
	}
}

func idempotencyKey(kind, subject, callerKey string) string {
	return kind + ":" + subject + ":" + callerKey
}
