package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Emitter publishes messages to one physical queue. Messages sharing a group
// id are delivered in publish order relative to each other; cross-group
// ordering is unspecified.
type Emitter struct {
	q *Queue
}

func NewEmitter(q *Queue) *Emitter {
	return &Emitter{q: q}
}

// Send enqueues body under msgType. A non-empty dedupKey suppresses
// redundant enqueues of logically identical work within the queue's dedup
// window; a suppressed send is a successful no-op.
func (e *Emitter) Send(ctx context.Context, groupID, msgType string, body any, dedupKey string) error {
	if groupID == "" {
		return fmt.Errorf("send to %s: empty group id", e.q.name)
	}
	if dedupKey != "" {
		set, err := e.q.backend.SetNX(ctx, e.q.dedupKey(groupID, dedupKey), "1", e.q.cfg.DedupWindow)
		if err != nil {
			return fmt.Errorf("dedup check on %s: %w", e.q.name, err)
		}
		if !set {
			return nil
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", e.q.name, err)
	}
	env, err := json.Marshal(Envelope{
		Type:    msgType,
		GroupID: groupID,
		SentAt:  time.Now().UTC(),
		Body:    raw,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", e.q.name, err)
	}
	if err := e.q.backend.Push(ctx, e.q.listKey(), string(env)); err != nil {
		return fmt.Errorf("push to %s: %w", e.q.name, err)
	}
	return nil
}
