package runner

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// SuccessCacheTTL bounds how stale a cached daily success count may be.
const SuccessCacheTTL = 30 * time.Second

type countEntry struct {
	count int
	ts    time.Time
}

// DailyCounter caches the per-campaign daily success count around the
// store's CountToday. The counter is advisory: authoritative cap
// enforcement belongs to the backing store. Per-worker, single goroutine,
// no lock.
type DailyCounter struct {
	store   domain.ClaimStore
	ttl     time.Duration
	entries map[string]countEntry
	now     func() time.Time
}

// NewDailyCounter constructs a counter over the given store.
func NewDailyCounter(store domain.ClaimStore) *DailyCounter {
	return &DailyCounter{
		store:   store,
		ttl:     SuccessCacheTTL,
		entries: make(map[string]countEntry),
		now:     time.Now,
	}
}

func counterKey(campaignID int, date string) string {
	return fmt.Sprintf("%d|%s", campaignID, date)
}

// Get returns the cached count when fresh, otherwise re-queries the store
// and replaces the entry.
func (c *DailyCounter) Get(ctx domain.Context, campaignID int, targetDate string) (int, error) {
	key := counterKey(campaignID, targetDate)
	now := c.now()
	if e, ok := c.entries[key]; ok && now.Sub(e.ts) < c.ttl {
		return e.count, nil
	}
	n, err := c.store.CountToday(ctx, campaignID, targetDate)
	if err != nil {
		return 0, fmt.Errorf("op=counter.get: %w", err)
	}
	c.entries[key] = countEntry{count: n, ts: now}
	return n, nil
}

// Invalidate drops the cached entry after a locally-observed success so
// the next Get reflects it immediately.
func (c *DailyCounter) Invalidate(campaignID int, targetDate string) {
	delete(c.entries, counterKey(campaignID, targetDate))
}
