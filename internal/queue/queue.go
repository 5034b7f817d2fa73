// Package queue implements the durable at-least-once message queue used by
// the pipeline tiers. Physical queues are Redis lists: LPUSH preserves
// publish order, and BRPOP is both the delivery and the delete, so a crashed
// handler loses its message rather than reprocessing it. The backlog sweeper
// in the pipeline package compensates for that trade-off.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by a backend pop when the bounded wait elapses with
// no message available.
var ErrEmpty = errors.New("queue: empty")

// Backend abstracts the minimal Redis surface the queue needs, so tests can
// substitute an in-memory implementation.
type Backend interface {
	Push(ctx context.Context, key, value string) error
	// Pop blocks for at most wait and returns ErrEmpty on timeout.
	Pop(ctx context.Context, key string, wait time.Duration) (string, error)
	// SetNX sets key if absent and reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// HSetNX sets a hash field if absent and reports whether it was set.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	Len(ctx context.Context, key string) (int64, error)
}

// RedisBackend implements Backend on a go-redis client.
type RedisBackend struct {
	rdb *redis.Client
}

func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Push(ctx context.Context, key, value string) error {
	return b.rdb.LPush(ctx, key, value).Err()
}

func (b *RedisBackend) Pop(ctx context.Context, key string, wait time.Duration) (string, error) {
	res, err := b.rdb.BRPop(ctx, wait, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	// BRPop returns [key, value].
	return res[1], nil
}

func (b *RedisBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (b *RedisBackend) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	return b.rdb.HSetNX(ctx, key, field, value).Result()
}

func (b *RedisBackend) Len(ctx context.Context, key string) (int64, error) {
	return b.rdb.LLen(ctx, key).Result()
}

// Config is the durable configuration recorded when a queue is first opened.
// Deduplication and throughput accounting are scoped per group so one
// high-volume group cannot starve the rest of the same physical queue.
type Config struct {
	VisibilityTimeout time.Duration
	Retention         time.Duration
	// DedupWindow bounds how long a dedup key suppresses redundant sends.
	DedupWindow time.Duration
}

// DefaultConfig mirrors the settings used across all pipeline queues.
var DefaultConfig = Config{
	VisibilityTimeout: 30 * time.Second,
	Retention:         4 * 24 * time.Hour,
	DedupWindow:       5 * time.Minute,
}

// Queue is one physical queue.
type Queue struct {
	backend Backend
	name    string
	cfg     Config
}

// Open resolves or creates the named queue. Creation is idempotent: the
// first caller records the configuration, later callers attach to whatever
// already exists.
func Open(ctx context.Context, backend Backend, name string, cfg Config) (*Queue, error) {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig.DedupWindow
	}
	regKey := "queue-config:" + name
	fields := map[string]string{
		"visibility_timeout_ms": strconv.FormatInt(cfg.VisibilityTimeout.Milliseconds(), 10),
		"retention_ms":          strconv.FormatInt(cfg.Retention.Milliseconds(), 10),
		"dedup_scope":           "group",
		"throughput_scope":      "group",
	}
	for f, v := range fields {
		if _, err := backend.HSetNX(ctx, regKey, f, v); err != nil {
			return nil, fmt.Errorf("register queue %s: %w", name, err)
		}
	}
	return &Queue{backend: backend, name: name, cfg: cfg}, nil
}

// Name returns the physical queue name.
func (q *Queue) Name() string { return q.name }

// Size returns the current backlog length.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.backend.Len(ctx, q.listKey())
}

func (q *Queue) listKey() string { return "queue:" + q.name }

func (q *Queue) dedupKey(groupID, key string) string {
	return "queue-dedup:" + q.name + ":" + groupID + ":" + key
}

// Envelope is the wire format of every queue message. Type is a closed enum
// per queue; consumers dispatch on it exhaustively and treat unknown values
// as a fatal per-message error.
type Envelope struct {
	Type    string          `json:"type"`
	GroupID string          `json:"groupId"`
	SentAt  time.Time       `json:"sentAt"`
	Body    json.RawMessage `json:"body"`
}

// DecodeBody unmarshals the envelope body into v.
func (e Envelope) DecodeBody(v any) error {
	return json.Unmarshal(e.Body, v)
}
