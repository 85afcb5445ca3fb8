// Package ratelimit provides rate limiting for connections and messages:
// fixed-window buckets keyed by (remoteAddr, verb) for the message
// protocol, and a token-bucket per-IP limiter guarding the upgrade path.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule is a fixed window and the maximum number of messages inside it.
type Rule struct {
	Window time.Duration
	Max    int
}

// DefaultRule applies to verbs without a specific entry.
var DefaultRule = Rule{Window: 10 * time.Second, Max: 50}

// Rules holds the per-verb limits.
var Rules = map[string]Rule{
	"hello":                    {Window: 10 * time.Second, Max: 120},
	"get_frame":                {Window: 10 * time.Second, Max: 90},
	"join_room":                {Window: 10 * time.Second, Max: 40},
	"resync":                   {Window: 10 * time.Second, Max: 30},
	"join_random":              {Window: 10 * time.Second, Max: 18},
	"join_by_id":               {Window: 10 * time.Second, Max: 18},
	"create_public_and_submit": {Window: 60 * time.Second, Max: 12},
	"submit_frame":             {Window: 60 * time.Second, Max: 10},
}

const sweepInterval = time.Minute

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter tracks fixed-window buckets per (remoteAddr, verb).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// NewLimiter creates a limiter with a background sweep of expired buckets.
func NewLimiter() *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow counts one message of verb from addr. When the bucket is over its
// limit it returns false with the remaining time until the window resets.
func (l *Limiter) Allow(addr, verb string, now time.Time) (bool, time.Duration) {
	rule, ok := Rules[verb]
	if !ok {
		rule = DefaultRule
	}
	key := addr + ":" + verb

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !b.resetAt.After(now) {
		b = &bucket{resetAt: now.Add(rule.Window)}
		l.buckets[key] = b
	}
	b.count++
	if b.count > rule.Max {
		return false, b.resetAt.Sub(now)
	}
	return true, 0
}

// Stop terminates the sweep goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep(time.Now())
		case <-l.stop:
			return
		}
	}
}

// Sweep drops buckets whose window has passed.
func (l *Limiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if !b.resetAt.After(now) {
			delete(l.buckets, key)
		}
	}
}

// IPLimiter provides token-bucket rate limiting per IP address, used
// ahead of the WebSocket upgrade.
type IPLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	r        rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter creates a per-IP limiter with background pruning.
func NewIPLimiter(r rate.Limit, burst int) *IPLimiter {
	l := &IPLimiter{
		visitors: make(map[string]*visitor),
		r:        r,
		burst:    burst,
	}
	go l.cleanup()
	return l
}

// Allow checks if a request from the given IP should be allowed.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.r, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	return v.limiter.Allow()
}

// cleanup removes stale visitors periodically.
func (l *IPLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}
