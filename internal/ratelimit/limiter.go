// Package ratelimit enforces per-(principal, endpoint class) request
// budgets: one independent token bucket per principal per endpoint
// class, created lazily on first use.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/touristsafety/trackengine/internal/domain"
)

// Class identifies one of the engine's rate-limited endpoint groups.
type Class string

const (
	ClassGeneral         Class = "general"
	ClassAuth            Class = "auth"
	ClassPosition        Class = "position"
	ClassSOS             Class = "sos"
	ClassGeofencingAdmin Class = "geofencing_admin"
)

// Rule is one class's budget: Burst requests per Window.
type Rule struct {
	Burst  int
	Window time.Duration
}

// DefaultRules mirrors the engine's per-endpoint-class defaults.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassGeneral:         {Burst: 2000, Window: 15 * time.Minute},
		ClassAuth:            {Burst: 5, Window: 15 * time.Minute},
		ClassPosition:        {Burst: 20, Window: time.Minute},
		ClassSOS:             {Burst: 10, Window: 5 * time.Minute},
		ClassGeofencingAdmin: {Burst: 20, Window: 15 * time.Minute},
	}
}

type bucketKey struct {
	principal string
	class     Class
}

// Limiter holds one token bucket per (principal, class) pair, created
// lazily on first use.
type Limiter struct {
	rules   map[Class]Rule
	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter
}

// New builds a Limiter from the given per-class rules. Pass
// DefaultRules() for the engine's standard budgets.
func New(rules map[Class]Rule) *Limiter {
	return &Limiter{rules: rules, buckets: make(map[bucketKey]*rate.Limiter)}
}

func (l *Limiter) limiterFor(principal string, class Class) *rate.Limiter {
	key := bucketKey{principal: principal, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	rule, ok := l.rules[class]
	if !ok {
		rule = Rule{Burst: 100, Window: time.Minute}
	}
	every := rule.Window / time.Duration(rule.Burst)
	b := rate.NewLimiter(rate.Every(every), rule.Burst)
	l.buckets[key] = b
	return b
}

// Allow checks whether principal may make one more request in class. On
// rejection it returns a RateLimited domain error carrying a suggested
// retry delay.
func (l *Limiter) Allow(principal string, class Class) error {
	lim := l.limiterFor(principal, class)
	res := lim.ReserveN(time.Now(), 1)
	if !res.OK() {
		return domain.RateLimited("rate limit configuration rejects all requests", 0)
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return domain.RateLimited("rate limit exceeded", delay.Seconds())
	}
	return nil
}
