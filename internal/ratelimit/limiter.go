package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Rule configures a protected route: at most Limit calls per Bucket window,
// with a Jail lockout once the limit is exceeded.
type Rule struct {
	Limit  int
	Bucket time.Duration
	Jail   time.Duration
}

// Decision is the outcome of a single rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Counter is the stored fixed-window state for one (identity, route) pair.
type Counter struct {
	Count         int
	FirstCalledAt time.Time
}

// CounterStore persists counters. Load returns (zero, false, nil) when no
// counter exists. Implementations need not be atomic: the Limiter serializes
// access per (identity, route) key.
type CounterStore interface {
	Load(ctx context.Context, identity, route string) (Counter, bool, error)
	Save(ctx context.Context, identity, route string, counter Counter) error
	Delete(ctx context.Context, identity, route string) error
	// DeleteIdleBefore removes counters whose window started before the
	// cutoff, for maintenance sweeps.
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Limiter implements fixed-window rate limiting with jail semantics. The
// window is intentionally fixed rather than sliding: boundary bursts are an
// accepted tradeoff for O(1) storage per identity/route pair.
type Limiter struct {
	store CounterStore
	locks keyedMutex
	now   func() time.Time
}

// Option customises the limiter.
type Option func(*Limiter)

// WithClock injects a clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLimiter builds a limiter over the supplied store.
func NewLimiter(store CounterStore, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}

	limiter := &Limiter{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(limiter)
	}
	return limiter, nil
}

// Allow records a call for (identity, route) and decides whether it may
// proceed. Bucket expiry is checked before jail expiry: the common case is a
// caller under the limit whose window simply rolled over.
func (l *Limiter) Allow(ctx context.Context, identity, route string, rule Rule) (Decision, error) {
	if rule.Limit <= 0 || rule.Bucket <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	unlock := l.locks.lock(identity + "|" + route)
	defer unlock()

	now := l.now()

	counter, found, err := l.store.Load(ctx, identity, route)
	if err != nil {
		return Decision{}, err
	}

	if !found {
		counter = Counter{Count: 1, FirstCalledAt: now}
		if err := l.store.Save(ctx, identity, route, counter); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, Remaining: rule.Limit - 1}, nil
	}

	// Bucket rollover: the window elapsed without the limit being exceeded.
	if now.Sub(counter.FirstCalledAt) > rule.Bucket && counter.Count <= rule.Limit {
		counter = Counter{Count: 1, FirstCalledAt: now}
		if err := l.store.Save(ctx, identity, route, counter); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, Remaining: rule.Limit - 1}, nil
	}

	// Jail: the limit was exceeded in the current window.
	if counter.Count > rule.Limit {
		release := counter.FirstCalledAt.Add(rule.Jail)
		if now.Before(release) {
			return Decision{Allowed: false, RetryAfter: release.Sub(now)}, nil
		}

		counter = Counter{Count: 1, FirstCalledAt: now}
		if err := l.store.Save(ctx, identity, route, counter); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, Remaining: rule.Limit - 1}, nil
	}

	counter.Count++
	if err := l.store.Save(ctx, identity, route, counter); err != nil {
		return Decision{}, err
	}

	if counter.Count > rule.Limit {
		return Decision{Allowed: false, RetryAfter: counter.FirstCalledAt.Add(rule.Jail).Sub(now)}, nil
	}

	return Decision{Allowed: true, Remaining: rule.Limit - counter.Count}, nil
}

// Reset clears the counter for (identity, route), e.g. after a successful
// login ends a brute-force window.
func (l *Limiter) Reset(ctx context.Context, identity, route string) error {
	unlock := l.locks.lock(identity + "|" + route)
	defer unlock()
	return l.store.Delete(ctx, identity, route)
}

// keyedMutex provides per-key serialization. Entries are retained for the
// lifetime of the process; the key space (identity x route) is small and
// bounded by the maintenance sweep on the backing store.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
