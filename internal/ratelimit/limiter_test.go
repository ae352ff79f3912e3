package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(max, window)
	l.now = clock.Now
	return l, clock
}

func TestEleventhCallDeniedThenAllowedAfterWindow(t *testing.T) {
	l, clock := newTestLimiter(10, 60*time.Second)
	for i := 0; i < 10; i++ {
		if !l.Allow("10.0.0.1", "convert") {
			t.Fatalf("call %d should pass", i+1)
		}
		clock.Advance(time.Second)
	}
	if l.Allow("10.0.0.1", "convert") {
		t.Fatalf("11th call within window must be denied")
	}

	clock.Advance(60 * time.Second)
	if !l.Allow("10.0.0.1", "convert") {
		t.Fatalf("call after the window must pass")
	}
}

func TestWindowSlidesPerTimestamp(t *testing.T) {
	l, clock := newTestLimiter(2, 10*time.Second)
	if !l.Allow("c", "op") {
		t.Fatalf("first call denied")
	}
	clock.Advance(6 * time.Second)
	if !l.Allow("c", "op") || l.Allow("c", "op") {
		t.Fatalf("expected second allowed and third denied")
	}

	clock.Advance(5 * time.Second)
	if !l.Allow("c", "op") {
		t.Fatalf("oldest stamp left the window")
	}
	if l.Allow("c", "op") {
		t.Fatalf("window should be full again")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	steps := []struct {
		client, op string
		want       bool
	}{
		{"a", "hash", true},
		{"a", "hash", false},
		{"a", "qr", true},
		{"b", "hash", true},
		{"b", "", true},
		{"b", "default", false},
	}
	for i, s := range steps {
		if got := l.Allow(s.client, s.op); got != s.want {
			t.Fatalf("step %d Allow(%q,%q)=%v want %v", i, s.client, s.op, got, s.want)
		}
	}
}

func TestPruneRemovesStaleKeys(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)
	l.Allow("old", "op")
	clock.Advance(50 * time.Minute)
	l.Allow("recent", "op")
	clock.Advance(20 * time.Minute)

	if removed := l.Prune(); removed != 1 {
		t.Fatalf("expected 1 pruned key, got %d", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 key left, got %d", l.Len())
	}
}

func TestConcurrentAllowCountsExactly(t *testing.T) {
	l := New(50, time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Allow("client", "op") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
			l.Allow(fmt.Sprintf("other-%d", i), "op")
		}(i)
	}
	wg.Wait()
	if allowed != 50 {
		t.Fatalf("expected exactly 50 allowed, got %d", allowed)
	}
}

func TestFailsOpen(t *testing.T) {
	l := New(1, time.Minute)
	l.now = func() time.Time { panic("clock broke") }
	if !l.Allow("c", "op") {
		t.Fatalf("limiter must fail open")
	}
}

func TestDefaults(t *testing.T) {
	l := New(0, 0)
	if l.maxRequests != DefaultMaxRequests || l.window != DefaultWindow {
		t.Fatalf("unexpected defaults %d %v", l.maxRequests, l.window)
	}
}
