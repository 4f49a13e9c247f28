// Package session maintains the in-memory set of currently valid session
// tokens. The cache is a projection of the sessions table: the login flow
// inserts tokens as they are minted, the logout flow removes them, and the
// reconciler periodically replaces the whole set from the database. Every
// inbound chat message checks the cache before the sender's identity is
// resolved.
package session

import "sync"

// Cache is a goroutine-safe set of session tokens. Membership checks take a
// read lock so concurrent readers never block each other; mutations take the
// write lock only for the in-memory update itself.
type Cache struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{tokens: make(map[string]struct{})}
}

// Contains reports whether the token is currently valid.
func (c *Cache) Contains(token string) bool {
	c.mu.RLock()
	_, ok := c.tokens[token]
	c.mu.RUnlock()
	return ok
}

// Insert marks a newly minted token as valid. The token is visible to
// Contains callers on any goroutine as soon as Insert returns.
func (c *Cache) Insert(token string) {
	c.mu.Lock()
	c.tokens[token] = struct{}{}
	c.mu.Unlock()
}

// Remove invalidates a token immediately. Used on explicit logout.
func (c *Cache) Remove(token string) {
	c.mu.Lock()
	delete(c.tokens, token)
	c.mu.Unlock()
}

// ReplaceAll swaps the entire cached set for the given tokens. The new set is
// built before the write lock is taken, so readers observe either the old set
// or the new one, never a partially populated map.
func (c *Cache) ReplaceAll(tokens []string) {
	next := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		next[t] = struct{}{}
	}

	c.mu.Lock()
	c.tokens = next
	c.mu.Unlock()
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int {
	c.mu.RLock()
	n := len(c.tokens)
	c.mu.RUnlock()
	return n
}
