package auth

import (
	"sync"
	"time"
)

// CodeCache maps permanent codes to user IDs for a short TTL so repeated
// permanent-code logins skip the users-table lookup.
//
// It is only a shortcut for finding the user. Sessions are always created
// and validated against the database, so a stale entry can at worst point
// at a user that no longer exists, which the caller re-checks.
type CodeCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	userID  string
	expires time.Time
}

func NewCodeCache(ttl time.Duration) *CodeCache {
	return &CodeCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the user ID cached for code, if present and fresh.
func (c *CodeCache) Get(code string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[code]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expires) {
		return "", false
	}
	return e.userID, true
}

func (c *CodeCache) Put(code, userID string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[code] = cacheEntry{userID: userID, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// InvalidateUser drops every entry pointing at userID. Called when a user
// is deleted or edited by an admin.
func (c *CodeCache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for code, e := range c.entries {
		if e.userID == userID {
			delete(c.entries, code)
		}
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *CodeCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for code, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, code)
			n++
		}
	}
	return n
}

func (c *CodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
