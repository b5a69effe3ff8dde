// Package cache maps request fingerprints to previously computed responses
// with TTL-based expiry.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

// entry pairs a response with its own expiry so providers can declare a TTL
// shorter than the LRU's ceiling.
type entry struct {
	resp      domain.Response
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// HitRate returns hits / (hits + misses), or zero before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a fingerprint-keyed response cache. Entries are immutable once
// written; concurrent writers for the same fingerprint race benignly and the
// last write wins.
type Cache struct {
	lru        *expirable.LRU[string, entry]
	defaultTTL time.Duration
	maxTTL     time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// New creates a cache holding at most maxEntries responses. defaultTTL is
// applied when a provider declares no TTL; maxTTL caps provider-declared TTLs
// and bounds how long the LRU retains anything.
func New(maxEntries int, defaultTTL, maxTTL time.Duration) *Cache {
	if maxTTL < defaultTTL {
		maxTTL = defaultTTL
	}
	return &Cache{
		lru:        expirable.NewLRU[string, entry](maxEntries, nil, maxTTL),
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		now:        time.Now,
	}
}

// Get returns the cached response for a fingerprint, annotated with
// FromCache=true, or false when absent or expired.
func (c *Cache) Get(fp string) (*domain.Response, bool) {
	e, ok := c.lru.Get(fp)
	if !ok || c.now().After(e.expiresAt) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)

	resp := e.resp
	resp.FromCache = true
	return &resp, true
}

// Put stores a response under a fingerprint. ttl <= 0 selects the default
// TTL; TTLs beyond the configured maximum are clamped.
func (c *Cache) Put(fp string, resp *domain.Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	c.lru.Add(fp, entry{resp: *resp, expiresAt: c.now().Add(ttl)})
}

// Stats returns current counters for the metrics surface.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries: c.lru.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
