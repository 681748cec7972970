package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, duration time.Duration) error {
	c.now = c.now.Add(duration)
	return nil
}

func TestAllowGrantsCapacityThenWaits(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := mustLimiter(t, Config{Capacity: 15, Window: time.Second, Clock: clock.Now})

	start := clock.now
	granted := 0
	waits := make([]time.Duration, 0)
	for index := 0; index < 18; index++ {
		clock.now = start.Add(time.Duration(index) * 10 * time.Millisecond)
		retryAfter := limiter.Allow("fingerprint")
		if retryAfter == 0 {
			granted++
			continue
		}
		remaining := start.Add(time.Second).Sub(clock.now)
		if retryAfter < remaining {
			t.Fatalf("request %d: wait %v shorter than remaining window %v", index, retryAfter, remaining)
		}
		waits = append(waits, retryAfter)
	}
	if granted != 15 {
		t.Fatalf("expected 15 immediate grants, got %d", granted)
	}
	if len(waits) != 3 {
		t.Fatalf("expected 3 waits, got %d", len(waits))
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := mustLimiter(t, Config{Capacity: 1, Window: time.Second, Clock: clock.Now})

	if limiter.Allow("a") != 0 {
		t.Fatalf("expected first grant for a")
	}
	if limiter.Allow("b") != 0 {
		t.Fatalf("expected first grant for b")
	}
	if limiter.Allow("a") == 0 {
		t.Fatalf("expected a to be exhausted")
	}
}

func TestAllowSlidesWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := mustLimiter(t, Config{Capacity: 2, Window: time.Second, Clock: clock.Now})

	start := clock.now
	limiter.Allow("k")
	clock.now = start.Add(600 * time.Millisecond)
	limiter.Allow("k")

	clock.now = start.Add(900 * time.Millisecond)
	if retryAfter := limiter.Allow("k"); retryAfter != 100*time.Millisecond {
		t.Fatalf("expected 100ms until the oldest grant expires, got %v", retryAfter)
	}

	clock.now = start.Add(time.Second)
	if retryAfter := limiter.Allow("k"); retryAfter != 0 {
		t.Fatalf("expected grant once the oldest stamp expired, got %v", retryAfter)
	}
	if retryAfter := limiter.Allow("k"); retryAfter != 600*time.Millisecond {
		t.Fatalf("expected wait until second stamp expires, got %v", retryAfter)
	}
}

func TestWaitRetriesUntilGranted(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := mustLimiter(t, Config{Capacity: 1, Window: time.Second, Clock: clock.Now, Sleep: clock.Sleep})

	if waited, err := limiter.Wait(context.Background(), "k"); err != nil || waited != 0 {
		t.Fatalf("expected immediate grant, waited=%v err=%v", waited, err)
	}
	waited, err := limiter.Wait(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if waited != time.Second {
		t.Fatalf("expected to wait one window, waited %v", waited)
	}
}

func TestWaitStopsOnCancellation(t *testing.T) {
	limiter := mustLimiter(t, Config{Capacity: 1, Window: time.Hour})
	limiter.Allow("k")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := limiter.Wait(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestIdleBucketsAreSwept(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := mustLimiter(t, Config{Capacity: 1, Window: time.Second, Clock: clock.Now})

	for index := 0; index < sweepThreshold; index++ {
		limiter.Allow(fmt.Sprintf("key-%d", index))
	}
	if limiter.Buckets() != sweepThreshold {
		t.Fatalf("expected %d buckets, got %d", sweepThreshold, limiter.Buckets())
	}

	clock.now = clock.now.Add(2 * time.Second)
	limiter.Allow("fresh")
	if limiter.Buckets() != 1 {
		t.Fatalf("expected idle buckets to be dropped, got %d", limiter.Buckets())
	}
}

func TestNewRejectsNegativeConfig(t *testing.T) {
	if _, err := New(Config{Capacity: -1}); err == nil {
		t.Fatalf("expected negative capacity to be rejected")
	}
	if _, err := New(Config{Window: -time.Second}); err == nil {
		t.Fatalf("expected negative window to be rejected")
	}
}

func mustLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	limiter, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected limiter error: %v", err)
	}
	return limiter
}
