package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter abstracts the atomic shared counter backing the semaphore.
// Implementations wrap a go-redis client; tests use an in-memory one.
type Counter interface {
	// TryIncr increments key only if its current value is below max and
	// reports whether the increment happened. The key expires after ttl to
	// guard against permits leaked by crashed workers.
	TryIncr(ctx context.Context, key string, max int64, ttl time.Duration) (bool, error)
	Decr(ctx context.Context, key string) error
}

// tryIncrScript increments only below the cap, in one round trip.
const tryIncrScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`

// RedisCounter implements Counter on a go-redis client.
type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) TryIncr(ctx context.Context, key string, max int64, ttl time.Duration) (bool, error) {
	res, err := c.rdb.Eval(ctx, tryIncrScript, []string{key}, max, int(ttl.Seconds())).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (c *RedisCounter) Decr(ctx context.Context, key string) error {
	return c.rdb.Decr(ctx, key).Err()
}

// Semaphore caps concurrent permits for (ownerID, operationType) across the
// whole worker fleet, independent of any single process's receiver cap.
// Acquire busy-polls: mutual exclusion with a bounded wait is the contract,
// not fairness.
type Semaphore struct {
	counter      Counter
	max          int64
	pollInterval time.Duration
	timeout      time.Duration
	permitTTL    time.Duration
}

// NewSemaphore builds a semaphore allowing max concurrent permits per key.
func NewSemaphore(counter Counter, max int64) *Semaphore {
	return &Semaphore{
		counter:      counter,
		max:          max,
		pollInterval: 50 * time.Millisecond,
		timeout:      30 * time.Second,
		permitTTL:    10 * time.Minute,
	}
}

func semKey(ownerID, operationType string) string {
	return "semaphore:" + ownerID + ":" + operationType
}

// Acquire blocks until a permit is free or the timeout elapses. A timeout is
// fatal for the caller's unit of work.
func (s *Semaphore) Acquire(ctx context.Context, ownerID, operationType string) error {
	key := semKey(ownerID, operationType)
	deadline := time.Now().Add(s.timeout)
	for {
		ok, err := s.counter.TryIncr(ctx, key, s.max, s.permitTTL)
		if err != nil {
			return fmt.Errorf("semaphore acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("semaphore acquire %s: timed out after %s", key, s.timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Release frees one permit.
func (s *Semaphore) Release(ctx context.Context, ownerID, operationType string) error {
	return s.counter.Decr(ctx, semKey(ownerID, operationType))
}
