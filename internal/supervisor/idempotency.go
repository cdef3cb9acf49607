package supervisor

import (
	"sync"
	"time"
)

// replyCache remembers control-operation replies keyed by client
// idempotency key, so redelivered operations replay the original reply
// instead of re-executing. Entries expire after a TTL and the least
// recently used entry is evicted at capacity. Failed operations are never
// remembered: a client retrying with the same key gets a fresh attempt.
type replyCache struct {
	mu         sync.Mutex
	entries    map[string]*replyEntry
	ttl        time.Duration
	maxEntries int
}

type replyEntry struct {
	status       *Status
	expiresAt    time.Time
	lastAccessed time.Time
}

func newReplyCache(maxEntries int, ttl time.Duration) *replyCache {
	return &replyCache{
		entries:    make(map[string]*replyEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// cacheKey scopes a client key to one operation on one project, so reusing
// a key across operations cannot collide.
func cacheKey(op, projectID, key string) string {
	return op + "\x00" + projectID + "\x00" + key
}

// get returns the remembered reply for a key, if any. Empty keys never
// match.
func (c *replyCache) get(op, projectID, key string) (*Status, bool) {
	if key == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(op, projectID, key)]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, cacheKey(op, projectID, key))
		return nil, false
	}
	entry.lastAccessed = time.Now()

	st := *entry.status
	return &st, true
}

// put remembers a reply. Empty keys are not remembered.
func (c *replyCache) put(op, projectID, key string, status *Status) {
	if key == "" || status == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	full := cacheKey(op, projectID, key)
	if _, exists := c.entries[full]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}

	now := time.Now()
	st := *status
	c.entries[full] = &replyEntry{
		status:       &st,
		expiresAt:    now.Add(c.ttl),
		lastAccessed: now,
	}
}

// evictLRU removes the least recently used entry. Caller holds the lock.
func (c *replyCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	first := true
	for key, entry := range c.entries {
		if first || entry.lastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccessed
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
