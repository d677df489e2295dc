// Package ratelimit throttles command execution per API user with a token
// bucket. Tokens are refilled lazily on each Allow call; idle buckets are
// dropped by Prune.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a user has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	CommandsPerMinute int // Tokens added per minute. 0 = unlimited.
	Burst             int // Bucket capacity. 0 = CommandsPerMinute.
}

// Limiter keeps one bucket per user; one user cannot drain another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// New creates a limiter. With CommandsPerMinute <= 0 every call is allowed.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.CommandsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users: make(map[string]*bucket),
		rate:  float64(cfg.CommandsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Allow consumes one token for userID. When the bucket is empty it returns
// ErrRateLimited and how long until the next token.
func (l *Limiter) Allow(userID string) (time.Duration, error) {
	if l == nil || l.rate <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.users[userID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[userID] = b
	}

	b.tokens = min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

// Prune forgets users whose bucket has been full for longer than idle.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for user, b := range l.users {
		full := b.tokens+now.Sub(b.lastFill).Seconds()*l.rate >= l.burst
		if full && now.Sub(b.lastFill) > idle {
			delete(l.users, user)
			removed++
		}
	}
	return removed
}
