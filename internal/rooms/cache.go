package rooms

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type cacheKey struct {
	Room string
	User string
}

type cacheEntry struct {
	key     cacheKey
	expires time.Time
}

// CachedAuthorizer remembers positive membership answers for a short TTL so
// reconnect storms do not hammer the membership store. Denials and errors
// always reach the inner Authorizer, so a newly added member can join at once;
// a removed member keeps access for at most the TTL.
type CachedAuthorizer struct {
	inner Authorizer
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

// NewCachedAuthorizer wraps inner with an LRU of at most capacity grants.
// A non-positive ttl returns inner unchanged.
func NewCachedAuthorizer(inner Authorizer, ttl time.Duration, capacity int) Authorizer {
	if ttl <= 0 {
		return inner
	}
	return newCachedAuthorizer(inner, ttl, capacity, time.Now)
}

func newCachedAuthorizer(inner Authorizer, ttl time.Duration, capacity int, now func() time.Time) *CachedAuthorizer {
	if capacity < 1 {
		capacity = 1
	}
	return &CachedAuthorizer{
		inner:    inner,
		ttl:      ttl,
		now:      now,
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// IsRoomMember implements Authorizer.
func (c *CachedAuthorizer) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	key := cacheKey{Room: roomID, User: userID}
	if c.get(key) {
		authzCacheHits.Inc()
		return true, nil
	}

	ok, err := c.inner.IsRoomMember(ctx, roomID, userID)
	if err == nil && ok {
		c.put(key)
	}
	return ok, err
}

func (c *CachedAuthorizer) get(key cacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false
	}
	if !c.now().Before(element.Value.(cacheEntry).expires) {
		c.ll.Remove(element)
		delete(c.items, key)
		return false
	}
	c.ll.MoveToFront(element)
	return true
}

func (c *CachedAuthorizer) put(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{key: key, expires: c.now().Add(c.ttl)}
	if element, ok := c.items[key]; ok {
		element.Value = entry
		c.ll.MoveToFront(element)
		return
	}

	c.items[key] = c.ll.PushFront(entry)
	if c.ll.Len() > c.capacity {
		if last := c.ll.Back(); last != nil {
			c.ll.Remove(last)
			delete(c.items, last.Value.(cacheEntry).key)
		}
	}
}

// Len reports the number of cached grants, expired or not.
func (c *CachedAuthorizer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
