package credential

import (
	"sync"
	"time"
)

// rateLimitWindow is how long a connector stays classified rate_limited
// after an upstream 429.
const rateLimitWindow = 5 * time.Minute

// RateLimitTracker remembers which connector types recently hit an
// upstream rate limit. The tool invoker marks entries when a call comes
// back with the rate_limited error type; resolvers consult it when
// building the connector_status context injection. Process-wide and
// safe for concurrent use.
type RateLimitTracker struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewRateLimitTracker creates an empty tracker.
func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{until: make(map[string]time.Time)}
}

// MarkLimited records an upstream 429 for the connector type.
func (t *RateLimitTracker) MarkLimited(connectorType string) {
	if t == nil || connectorType == "" {
		return
	}

	t.mu.Lock()
	t.until[connectorType] = time.Now().Add(rateLimitWindow)
	t.mu.Unlock()
}

// Limited reports whether the connector type is inside its rate-limit
// window. Expired entries are pruned on read.
func (t *RateLimitTracker) Limited(connectorType string) bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	until, ok := t.until[connectorType]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(t.until, connectorType)
		return false
	}

	return true
}
