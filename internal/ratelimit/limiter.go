package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Rule is one sliding-window policy: at most Max requests per Window.
type Rule struct {
	Name   string
	Max    int
	Window time.Duration
}

// CounterStore is the storage behind the limiter. A single-process deployment
// uses MemoryStore; multi-instance deployments swap in the redis-backed store.
// Incr creates the window on first hit, increments otherwise, and returns the
// post-increment count together with the window's reset time.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
}

// Decision is the outcome of one Allow call. Limit/Remaining/ResetAt feed the
// quota response headers; RetryAfter is only meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter applies named sliding-window rules keyed by (client, rule).
// Policy lives here; counting lives in the CounterStore.
type Limiter struct {
	store CounterStore
}

func New(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// Allow counts one request for clientKey under the rule and decides whether it
// passes. clientKey is typically "ip:endpoint".
func (l *Limiter) Allow(ctx context.Context, clientKey string, rule Rule) (Decision, error) {
	key := rule.Name + ":" + clientKey

	count, resetAt, err := l.store.Incr(ctx, key, rule.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit.Allow: %w", err)
	}

	remaining := rule.Max - count
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   count <= rule.Max,
		Limit:     rule.Max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = time.Until(resetAt)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}

	return d, nil
}
