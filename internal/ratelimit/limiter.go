// Package ratelimit governs outgoing requests with a per-key sliding window.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultCapacity = 15
	defaultWindow   = time.Second
	sweepThreshold  = 1024
)

var (
	errInvalidCapacity = errors.New("ratelimit: capacity must be positive")
	errInvalidWindow   = errors.New("ratelimit: window must be positive")
)

// Config describes a limiter. Zero Capacity and Window fall back to 15 per second.
type Config struct {
	Capacity int
	Window   time.Duration
	Clock    func() time.Time
	// Sleep blocks for the given duration or until ctx ends. Tests replace it.
	Sleep func(ctx context.Context, duration time.Duration) error
}

// Limiter grants at most Capacity requests per key within any Window.
// Buckets are created on first use and dropped lazily once idle.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	clock    func() time.Time
	sleep    func(ctx context.Context, duration time.Duration) error
	buckets  map[string]*bucket
}

// bucket is a ring of the grant timestamps inside the current window.
type bucket struct {
	stamps []time.Time
	head   int
	size   int
}

// New constructs a Limiter.
func New(cfg Config) (*Limiter, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = defaultCapacity
	}
	if capacity < 0 {
		return nil, errInvalidCapacity
	}
	window := cfg.Window
	if window == 0 {
		window = defaultWindow
	}
	if window < 0 {
		return nil, errInvalidWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Limiter{
		capacity: capacity,
		window:   window,
		clock:    clock,
		sleep:    sleep,
		buckets:  make(map[string]*bucket),
	}, nil
}

// Allow records a grant for key and returns zero, or returns how long the caller must
// wait before a slot frees. A refused call records nothing.
func (limiter *Limiter) Allow(key string) time.Duration {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.clock()
	current, ok := limiter.buckets[key]
	if !ok {
		if len(limiter.buckets) >= sweepThreshold {
			limiter.sweep(now)
		}
		current = &bucket{stamps: make([]time.Time, limiter.capacity)}
		limiter.buckets[key] = current
	}
	current.prune(now, limiter.window)

	if current.size < limiter.capacity {
		current.push(now)
		return 0
	}
	retryAfter := current.oldest().Add(limiter.window).Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Nanosecond
	}
	return retryAfter
}

// Wait blocks until key is granted. Every wake-up re-checks the bucket because other
// callers may have taken the freed slot. Only ctx cancellation aborts the wait.
func (limiter *Limiter) Wait(ctx context.Context, key string) (time.Duration, error) {
	var waited time.Duration
	for {
		retryAfter := limiter.Allow(key)
		if retryAfter == 0 {
			return waited, nil
		}
		if err := limiter.sleep(ctx, retryAfter); err != nil {
			return waited, err
		}
		waited += retryAfter
	}
}

// Buckets reports how many keys are currently tracked.
func (limiter *Limiter) Buckets() int {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	return len(limiter.buckets)
}

func (limiter *Limiter) sweep(now time.Time) {
	for key, candidate := range limiter.buckets {
		candidate.prune(now, limiter.window)
		if candidate.size == 0 {
			delete(limiter.buckets, key)
		}
	}
}

func (b *bucket) prune(now time.Time, window time.Duration) {
	for b.size > 0 && !now.Before(b.oldest().Add(window)) {
		b.head = (b.head + 1) % len(b.stamps)
		b.size--
	}
}

func (b *bucket) oldest() time.Time {
	return b.stamps[b.head]
}

func (b *bucket) push(stamp time.Time) {
	b.stamps[(b.head+b.size)%len(b.stamps)] = stamp
	b.size++
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
