package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket refilling at rate tokens per second.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter rate limits management calls globally and per connection.
// A zero rate disables that level.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perClient map[string]*TokenBucket
	rate      int
	burst     int
	now       func() time.Time
}

func NewLimiter(globalRate, perClientRate, burst int) *Limiter {
	return newLimiter(globalRate, perClientRate, burst, time.Now)
}

func newLimiter(globalRate, perClientRate, burst int, now func() time.Time) *Limiter {
	l := &Limiter{
		perClient: make(map[string]*TokenBucket),
		rate:      perClientRate,
		burst:     burst,
		now:       now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether client may issue another call now.
func (l *Limiter) Allow(client string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.perClient[client]
	if !ok {
		b = newTokenBucket(l.rate, l.burst, l.now)
		l.perClient[client] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Forget drops the bucket of a disconnected client.
func (l *Limiter) Forget(client string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.perClient, client)
	l.mu.Unlock()
}

func (l *Limiter) clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perClient)
}
