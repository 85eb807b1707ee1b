// Package recent keeps a short-lived memory of identities that were just finalized
// so cross-device echoes of the same archive can be squashed.
package recent

import (
	"strings"
	"sync"
	"time"
)

const DefaultTTL = 2 * time.Minute

type Guard struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

func New(ttl time.Duration, now func() time.Time) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{
		ttl:     ttl,
		now:     now,
		entries: map[string]time.Time{},
	}
}

// Mark records every non-empty key as processed now.
func (g *Guard) Mark(keys ...string) {
	now := g.now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		g.entries[key] = now
	}
	g.pruneLocked(now)
}

// Seen reports whether any of keys was marked within the TTL.
func (g *Guard) Seen(keys ...string) bool {
	now := g.now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := g.entries[key]; ok {
			return true
		}
	}
	return false
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now().UTC())
	return len(g.entries)
}

func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = map[string]time.Time{}
}

func (g *Guard) pruneLocked(now time.Time) {
	for key, markedAt := range g.entries {
		if now.Sub(markedAt) >= g.ttl {
			delete(g.entries, key)
		}
	}
}
