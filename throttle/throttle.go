// Package throttle guards the agent against pages that keep asking the user
// for new sessions after being refused.
package throttle

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is the maximum gap between two denials for them to count
	// as consecutive.
	DefaultWindow = 5 * time.Second
	// DefaultThreshold is the number of consecutive denials after which the
	// guard blocks further requests.
	DefaultThreshold = 2
)

// Guard is a two-state machine: Open until Threshold consecutive denials
// were recorded within Window of each other, then Blocked for the rest of
// its lifetime.
type Guard struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	now       func() time.Time

	lastDenial time.Time
	denials    int
	blocked    bool
}

// Option customises a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard. Non-positive arguments fall back to the defaults.
func New(window time.Duration, threshold int, opts ...Option) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	g := &Guard{window: window, threshold: threshold, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RecordDenial counts a refusal. A denial within the window of the previous
// one increments the counter; otherwise the counter restarts at 1.
func (g *Guard) RecordDenial() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.denials > 0 && now.Sub(g.lastDenial) <= g.window {
		g.denials++
	} else {
		g.denials = 1
	}
	g.lastDenial = now
	if g.denials >= g.threshold {
		g.blocked = true
	}
}

// RecordAcceptance resets the counter. It does not unblock a blocked guard.
func (g *Guard) RecordAcceptance() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denials = 0
	g.lastDenial = time.Time{}
}

// IsBlocked reports whether requests must be rejected.
func (g *Guard) IsBlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// Denials returns the current consecutive denial count.
func (g *Guard) Denials() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denials
}
