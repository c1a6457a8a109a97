package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scope selects what a bucket is keyed on.
const (
	ScopeBackendKey = "backend_key" // one bucket per (backend, key name)
	ScopeClientKey  = "client_key"  // one bucket per client API key
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int // whole tokens left in the bucket after this decision
	Limit      int
}

// Limiter keeps one token bucket per scope key. Buckets live in memory only
// and reset on process restart.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   int
	window  time.Duration
	scope   string
}

// New creates a limiter admitting limit events per window for each scope key.
// A limit of zero disables limiting.
func New(limit int, window time.Duration, scope string) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if scope == "" {
		scope = ScopeBackendKey
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		window:  window,
		scope:   scope,
	}
}

// Scope returns the configured bucket scope.
func (l *Limiter) Scope() string { return l.scope }

// Key builds the bucket key for an attempt given the configured scope.
func (l *Limiter) Key(backend, keyName, clientKey string) string {
	if l.scope == ScopeClientKey {
		return "client/" + clientKey
	}
	return backend + "/" + keyName
}

// Allow consumes one token from the bucket for key if available.
func (l *Limiter) Allow(key string) Decision {
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	bucket := l.bucket(key)
	if bucket.Allow() {
		return Decision{
			Allowed:   true,
			Remaining: int(bucket.Tokens()),
			Limit:     l.limit,
		}
	}

	// Compute when a token becomes available without consuming one.
	res := bucket.Reserve()
	retryAfter := res.Delay()
	res.Cancel()

	return Decision{
		Allowed:    false,
		RetryAfter: retryAfter,
		Remaining:  0,
		Limit:      l.limit,
	}
}

// Remaining reports the whole tokens currently available for key without
// consuming any.
func (l *Limiter) Remaining(key string) int {
	if l.limit <= 0 {
		return -1
	}
	return int(l.bucket(key).Tokens())
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		per := rate.Limit(float64(l.limit) / l.window.Seconds())
		b = rate.NewLimiter(per, l.limit)
		l.buckets[key] = b
	}
	return b
}
