package snapshot

import (
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a baseline is kept for delta captures.
const DefaultCacheTTL = 2 * time.Minute

// Delta is the difference between two captures of the same session.
type Delta struct {
	// Unchanged is set when the tree hash matches the previous capture.
	Unchanged bool `json:"unchanged"`
	// Baseline is set when there was no usable previous capture; Snapshot
	// then carries the full result.
	Baseline bool    `json:"baseline,omitempty"`
	Added    []Ref   `json:"added"`
	Removed  []Ref   `json:"removed"`
	Changed  []Ref   `json:"changed"`
	Snapshot *Result `json:"snapshot,omitempty"`
}

type cacheEntry struct {
	hash      string
	refs      []Ref
	createdAt time.Time
}

// Cache keeps the last capture per session for delta computation.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates a cache; ttl <= 0 selects DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

// Apply compares res with the session's previous capture, stores res as
// the new baseline and returns the delta.
func (c *Cache) Apply(sessionID string, res *Result) *Delta {
	c.mu.Lock()
	prev, ok := c.entries[sessionID]
	now := c.now()
	if ok && now.Sub(prev.createdAt) > c.ttl {
		ok = false
	}
	c.entries[sessionID] = cacheEntry{hash: res.Hash, refs: res.Refs, createdAt: now}
	c.mu.Unlock()

	if !ok {
		return &Delta{Baseline: true, Added: []Ref{}, Removed: []Ref{}, Changed: []Ref{}, Snapshot: res}
	}
	if prev.hash == res.Hash {
		return &Delta{Unchanged: true, Added: []Ref{}, Removed: []Ref{}, Changed: []Ref{}}
	}
	d := Diff(prev.refs, res.Refs)
	return &d
}

// Purge drops a session's baseline.
func (c *Cache) Purge(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// Sweep removes expired baselines and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Diff compares two ref tables by key.
func Diff(prev, cur []Ref) Delta {
	old := make(map[string]Ref, len(prev))
	for _, r := range prev {
		old[r.Key] = r
	}
	d := Delta{Added: []Ref{}, Removed: []Ref{}, Changed: []Ref{}}
	seen := make(map[string]bool, len(cur))
	for _, r := range cur {
		seen[r.Key] = true
		p, ok := old[r.Key]
		switch {
		case !ok:
			d.Added = append(d.Added, r)
		case !sameRef(p, r):
			d.Changed = append(d.Changed, r)
		}
	}
	for _, r := range prev {
		if !seen[r.Key] {
			d.Removed = append(d.Removed, r)
		}
	}
	sortRefs(d.Added)
	sortRefs(d.Removed)
	sortRefs(d.Changed)
	return d
}

func sameRef(a, b Ref) bool {
	return a.Role == b.Role && a.Name == b.Name && a.Index() == b.Index() &&
		(a.Nth == nil) == (b.Nth == nil) && maps.Equal(a.Attrs, b.Attrs)
}

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool { return keyNum(refs[i].Key) < keyNum(refs[j].Key) })
}

func keyNum(k string) int {
	n, _ := strconv.Atoi(k[1:])
	return n
}
