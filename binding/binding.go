// Package binding maintains the bound key/certificate entries backing
// proof-of-possession and mTLS credential types.
//
// The cache holds at most one current entry per (tenant, identity, token
// type). Entries are immutable: rotation installs a new entry instead of
// mutating the old one, so a reader racing a writer always sees a complete
// entry. A Rotator layered on top replaces bindings on a fixed interval,
// ahead of their expiry, and notifies interested parties.
package binding

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Key identifies one binding slot.
type Key struct {
	TenantID   string
	IdentityID string
	TokenType  string
}

// normalize lowercases the key segments so lookups are case-insensitive.
func (k Key) normalize() Key {
	return Key{
		TenantID:   strings.ToLower(k.TenantID),
		IdentityID: strings.ToLower(k.IdentityID),
		TokenType:  strings.ToLower(k.TokenType),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.IdentityID, k.TokenType)
}

// Entry is one bound key or certificate. Entries are never mutated after
// installation.
type Entry struct {
	// KeyID names the bound key, e.g. a certificate thumbprint.
	KeyID string
	// Subject is the certificate subject or key owner.
	Subject string
	// Handle is the opaque platform handle to the private key material.
	// The cache never interprets it.
	Handle any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Cache stores current binding entries. Construct one per application
// instance; Reset restores a clean slate in tests.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	logger  *slog.Logger
}

// NewCache creates an empty binding cache.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[Key]*Entry),
		logger:  logger,
	}
}

// TryGetLatest returns the current entry for key if one exists and is
// unexpired at now.
func (c *Cache) TryGetLatest(key Key, now time.Time) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key.normalize()]
	if !ok || e.Expired(now) {
		return nil, false
	}
	return e, true
}

// Put installs entry as the current binding for key, superseding any
// previous entry. The previous entry object is left untouched for readers
// still holding it.
func (c *Cache) Put(key Key, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.normalize()] = entry
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Pruned expired binding entries", "removed", removed)
	}
	return removed
}

// Keys returns the keys currently present, for rotation enumeration.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// Reset drops every entry. For tests.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*Entry)
}
