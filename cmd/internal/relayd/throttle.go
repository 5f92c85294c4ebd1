package relayd

import (
	"sync"
	"time"

	"holder/cmd/internal/pairing"
)

// Throttle is a sliding-window request budget keyed by requester.
//
// A connection without a session is charged under its connection ID. Once
// it holds a session it is charged under its peer, so every socket a peer
// opens draws from one budget.
type Throttle struct {
	mu      sync.Mutex
	windows map[throttleKey][]time.Time
	limit   int
	window  time.Duration
	metrics *Metrics
}

type throttleKey struct {
	scope string // "conn" or "peer"
	id    string
}

func connKey(connID string) throttleKey { return throttleKey{"conn", connID} }

func peerKey(p pairing.PeerID) throttleKey { return throttleKey{"peer", p.String()} }

// NewThrottle falls back to the package defaults for non-positive inputs.
func NewThrottle(limit int, window time.Duration, metrics *Metrics) *Throttle {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &Throttle{
		windows: make(map[throttleKey][]time.Time),
		limit:   limit,
		window:  window,
		metrics: metrics,
	}
}

// Allow charges one request to key at now and reports whether it fits the
// budget. Refused requests are not recorded.
func (t *Throttle) Allow(key throttleKey, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := t.pruneLocked(key, now)
	if len(events) >= t.limit {
		t.metrics.throttledReq(key.scope)
		return false
	}
	t.windows[key] = append(events, now)
	return true
}

// Release drops key's history. Peer budgets outlive any one connection and
// are only dropped by Sweep.
func (t *Throttle) Release(key throttleKey) {
	t.mu.Lock()
	delete(t.windows, key)
	t.mu.Unlock()
}

// Sweep drops keys with no events left inside the window.
func (t *Throttle) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.windows {
		if len(t.pruneLocked(k, now)) == 0 {
			delete(t.windows, k)
		}
	}
}

// Len reports the number of tracked keys.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

func (t *Throttle) pruneLocked(key throttleKey, now time.Time) []time.Time {
	cut := now.Add(-t.window)
	events := t.windows[key]
	dst := events[:0]
	for _, ts := range events {
		if ts.After(cut) {
			dst = append(dst, ts)
		}
	}
	t.windows[key] = dst
	return dst
}
