package intercept

import (
	"strings"
	"sync"
	"time"
)

// Record is one observed request.
type Record struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	ResourceType string            `json:"resourceType,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Intercepted  bool              `json:"intercepted"`
	RuleID       string            `json:"ruleId,omitempty"`
	Action       Action            `json:"action"`
	MockedStatus int               `json:"mockedStatus,omitempty"`
}

// Filter narrows a history query.
type Filter struct {
	URLContains string `json:"urlContains,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// ring keeps the most recent records, overwriting the oldest when full.
type ring struct {
	mu      sync.RWMutex
	entries []Record
	head    int
	size    int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 100
	}
	return &ring{entries: make([]Record, 0, size), size: size}
}

func (r *ring) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < r.size {
		r.entries = append(r.entries, rec)
	} else {
		r.entries[r.head] = rec
	}
	r.head = (r.head + 1) % r.size
}

// query returns matching records oldest first, keeping the newest Limit.
func (r *ring) query(f Filter) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.entries)
	start := 0
	if n == r.size {
		start = r.head
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		rec := r.entries[(start+i)%n]
		if f.URLContains != "" && !strings.Contains(rec.URL, f.URLContains) {
			continue
		}
		out = append(out, rec)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
