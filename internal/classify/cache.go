package classify

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// Cache discipline constants.
const (
	// DefaultMaxSize bounds the number of cached classifications.
	DefaultMaxSize = 256
	// DefaultTTL is how long a cached classification stays fresh.
	DefaultTTL = 600 * time.Second
	// sweepWindow is how many keys each write opportunistically inspects
	// for expiry.
	sweepWindow = 64
)

type cacheEntry struct {
	detail domain.Classification
	ts     time.Time
}

// Cached wraps Classify with a bounded TTL cache. The cache is
// process-local and accessed by a single worker goroutine, so it carries
// no lock.
type Cached struct {
	entries map[string]*cacheEntry
	// order holds keys in insertion order for FIFO eviction.
	order   []string
	sweepAt int
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewCached constructs a classification cache with the default bounds.
func NewCached() *Cached {
	return newCached(DefaultMaxSize, DefaultTTL, time.Now)
}

func newCached(maxSize int, ttl time.Duration, now func() time.Time) *Cached {
	return &Cached{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     now,
	}
}

// Key returns the SHA-1 cache key of the normalized, truncated input tuple.
func Key(in Input) string {
	status := ""
	if in.HTTPStatus != 0 {
		status = strconv.Itoa(in.HTTPStatus)
	}
	raw := fmt.Sprintf("%s|%s|%s|%s",
		truncate(in.ErrorMessage), status, in.ErrorTypeHint, truncate(in.PageContentSnippet))
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Classify returns the cached classification when fresh, otherwise
// recomputes, stores and sweeps.
func (c *Cached) Classify(in Input) domain.Classification {
	key := Key(in)
	now := c.now()
	if e, ok := c.entries[key]; ok && now.Sub(e.ts) <= c.ttl {
		return e.detail
	}
	detail := Classify(in)
	c.put(key, detail, now)
	return detail
}

// Len reports the current entry count.
func (c *Cached) Len() int { return len(c.entries) }

func (c *Cached) put(key string, detail domain.Classification, now time.Time) {
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = &cacheEntry{detail: detail, ts: now}
	c.sweep(now)
	for len(c.entries) > c.maxSize {
		c.evictOldest()
	}
}

// sweep scans at most sweepWindow keys past a rotating cursor and drops
// any whose entry has outlived the TTL.
func (c *Cached) sweep(now time.Time) {
	if len(c.order) == 0 {
		return
	}
	n := sweepWindow
	if n > len(c.order) {
		n = len(c.order)
	}
	kept := c.order[:0:0]
	start := c.sweepAt % len(c.order)
	for i, key := range c.order {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		inWindow := (i-start+len(c.order))%len(c.order) < n
		if inWindow && now.Sub(e.ts) > c.ttl {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	c.sweepAt += n
}

func (c *Cached) evictOldest() {
	for len(c.order) > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			return
		}
	}
}
