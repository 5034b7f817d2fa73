package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// memCounter is an in-memory Counter honoring the same cap semantics as the
// Lua script.
type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemCounter() *memCounter {
	return &memCounter{counts: make(map[string]int64)}
}

func (c *memCounter) TryIncr(_ context.Context, key string, max int64, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[key] >= max {
		return false, nil
	}
	c.counts[key]++
	return true, nil
}

func (c *memCounter) Decr(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]--
	return nil
}

func TestSemaphore_CapAndRelease(t *testing.T) {
	ctx := context.Background()
	counter := newMemCounter()
	sem := NewSemaphore(counter, 2)
	sem.pollInterval = time.Millisecond
	sem.timeout = 50 * time.Millisecond

	if err := sem.Acquire(ctx, "github", "api"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := sem.Acquire(ctx, "github", "api"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	// At the cap: the third acquire times out.
	err := sem.Acquire(ctx, "github", "api")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("got %v, want timeout", err)
	}

	if err := sem.Release(ctx, "github", "api"); err != nil {
		t.Fatal(err)
	}
	if err := sem.Acquire(ctx, "github", "api"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSemaphore_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	sem := NewSemaphore(newMemCounter(), 1)
	sem.pollInterval = time.Millisecond
	sem.timeout = 20 * time.Millisecond

	if err := sem.Acquire(ctx, "github", "api"); err != nil {
		t.Fatal(err)
	}
	// A different operation type has its own counter.
	if err := sem.Acquire(ctx, "github", "search"); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	if err := sem.Acquire(ctx, "discord", "api"); err != nil {
		t.Fatalf("independent owner blocked: %v", err)
	}
}

func TestSemaphore_AcquireHonorsContext(t *testing.T) {
	sem := NewSemaphore(newMemCounter(), 1)
	sem.pollInterval = time.Millisecond
	sem.timeout = time.Minute

	if err := sem.Acquire(context.Background(), "o", "op"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sem.Acquire(ctx, "o", "op")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context deadline", err)
	}
}

func TestAsRateLimit(t *testing.T) {
	rle := &RateLimitError{RetryAfter: time.Minute}
	wrapped := fmt.Errorf("fetch page: %w", rle)

	got, ok := AsRateLimit(wrapped)
	if !ok || got.RetryAfter != time.Minute {
		t.Fatalf("AsRateLimit(%v) = %v, %v", wrapped, got, ok)
	}
	if _, ok := AsRateLimit(errors.New("plain failure")); ok {
		t.Error("plain error should not be a rate limit")
	}
}
