package poller

import (
	"sync"
	"time"
)

type cacheEntry struct {
	result  PollResult
	version uint64
}

// ResultCache holds the latest result per source. It is the only place poll
// results are stored. Values are copied on the way in and out, so no caller
// holds memory shared with the cache.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	version uint64
	now     func() time.Time
}

// NewResultCache creates an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Update replaces the entry for result.Source and bumps its version. A result
// whose sequence number is older than the stored one is discarded and Update
// returns false.
func (c *ResultCache) Update(result PollResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.entries[result.Source]
	if ok && result.Seq < cur.result.Seq {
		return false
	}
	c.entries[result.Source] = cacheEntry{result: result.Clone(), version: cur.version + 1}
	c.version++
	return true
}

// Get returns the latest result for a source. The boolean is false when the
// source has never been polled.
func (c *ResultCache) Get(source string) (PollResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[source]
	return e.result.Clone(), ok
}

// Version returns the number of updates applied to a source.
func (c *ResultCache) Version(source string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[source].version
}

// Snapshot is a point-in-time copy of every cached result.
type Snapshot struct {
	Version  uint64                `json:"version"`
	TakenAt  time.Time             `json:"taken_at"`
	Results  map[string]PollResult `json:"results"`
	Versions map[string]uint64     `json:"versions"`
}

// Get returns the result for a source from the snapshot.
func (s Snapshot) Get(source string) (PollResult, bool) {
	r, ok := s.Results[source]
	return r, ok
}

// Snapshot copies the whole cache under one lock, so readers never see a
// partially applied set of updates.
func (c *ResultCache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Version:  c.version,
		TakenAt:  c.now(),
		Results:  make(map[string]PollResult, len(c.entries)),
		Versions: make(map[string]uint64, len(c.entries)),
	}
	for name, e := range c.entries {
		snap.Results[name] = e.result.Clone()
		snap.Versions[name] = e.version
	}
	return snap
}
