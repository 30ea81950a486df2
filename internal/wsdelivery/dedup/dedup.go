// Package dedup collapses duplicate bus redeliveries before they reach
// connected clients. The bus is at-least-once; the cache only needs to
// remember an event for longer than the plausible redelivery window.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/pushrelay/pushrelay/internal/wire"
)

type key struct {
	notificationID string
	status         wire.NotificationStatus
}

// Cache is a process-local, mutex-guarded dedup set with TTL eviction.
type Cache struct {
	mu       sync.Mutex
	entries  map[key]time.Time // first_seen_at
	lifespan time.Duration
	now      func() time.Time
}

// New creates a cache whose entries live for the given lifespan.
func New(lifespan time.Duration) *Cache {
	return &Cache{
		entries:  make(map[key]time.Time),
		lifespan: lifespan,
		now:      time.Now,
	}
}

// Observe records the event and reports whether it is the first sighting
// within the lifespan. Duplicates inside the window return false; an entry
// older than the lifespan counts as expired even before the sweeper ran.
func (c *Cache) Observe(notificationID string, status wire.NotificationStatus) bool {
	now := c.now()
	k := key{notificationID: notificationID, status: status}

	c.mu.Lock()
	defer c.mu.Unlock()
	if firstSeen, ok := c.entries[k]; ok && now.Sub(firstSeen) < c.lifespan {
		return false
	}
	c.entries[k] = now
	return true
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, firstSeen := range c.entries {
		if now.Sub(firstSeen) >= c.lifespan {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps periodically until the context is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
