// Package ratelimit holds process-local, best-effort per-origin cooldowns.
// Counters are not durable and not shared across instances.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Class groups endpoints that share a cooldown bucket per origin.
type Class string

const (
	Register  Class = "register"
	Heartbeat Class = "heartbeat"
	Write     Class = "write"
)

// Limiter decides whether origin may perform another call of class now.
// When it refuses, retryAfter says how long the caller should wait.
type Limiter interface {
	Allow(class Class, origin string) (ok bool, retryAfter time.Duration)
}

// Cooldowns is the minimum spacing between calls per class. A zero or
// missing entry disables limiting for that class.
type Cooldowns map[Class]time.Duration

// OriginLimiter keeps one token bucket (burst 1) per class and origin in a
// bounded LRU so a flood of distinct origins cannot grow memory without bound.
type OriginLimiter struct {
	mu        sync.Mutex
	cooldowns Cooldowns
	buckets   *expirable.LRU[string, *rate.Limiter]
	now       func() time.Time
}

// New builds an OriginLimiter tracking at most maxOrigins buckets.
func New(cooldowns Cooldowns, maxOrigins int) *OriginLimiter {
	if maxOrigins <= 0 {
		maxOrigins = 10000
	}
	var longest time.Duration
	for _, d := range cooldowns {
		if d > longest {
			longest = d
		}
	}
	ttl := 2 * longest
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &OriginLimiter{
		cooldowns: cooldowns,
		buckets:   expirable.NewLRU[string, *rate.Limiter](maxOrigins, nil, ttl),
		now:       time.Now,
	}
}

// WithClock replaces the clock; used by tests.
func (l *OriginLimiter) WithClock(now func() time.Time) *OriginLimiter {
	l.now = now
	return l
}

func (l *OriginLimiter) Allow(class Class, origin string) (bool, time.Duration) {
	cooldown := l.cooldowns[class]
	if cooldown <= 0 {
		return true, 0
	}
	key := string(class) + "|" + origin
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Every(cooldown), 1)
		l.buckets.Add(key, lim)
	}
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, cooldown
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

// Len reports how many origin buckets are tracked.
func (l *OriginLimiter) Len() int {
	return l.buckets.Len()
}

// Unlimited never refuses.
type Unlimited struct{}

func (Unlimited) Allow(Class, string) (bool, time.Duration) { return true, 0 }
