package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Level tags a message with a processing priority at publish time. Priority
// is a routing decision, not runtime preemption: each level is its own
// physical queue with its own consumers.
type Level string

const (
	LevelHigh   Level = "high"
	LevelNormal Level = "normal"
)

// Levels lists every declared priority level. The router also always owns a
// default queue for messages published without a level.
var Levels = []Level{LevelHigh, LevelNormal}

// Router fans one logical queue into one physical queue per priority level
// plus a default.
type Router struct {
	name     string
	def      *Emitter
	byLevel  map[Level]*Emitter
	queues   map[Level]*Queue
	defQueue *Queue
}

// OpenRouter opens (idempotently creating) the default queue and one queue
// per declared level.
func OpenRouter(ctx context.Context, backend Backend, name string, cfg Config) (*Router, error) {
	defQ, err := Open(ctx, backend, name+":default", cfg)
	if err != nil {
		return nil, err
	}
	r := &Router{
		name:     name,
		def:      NewEmitter(defQ),
		byLevel:  make(map[Level]*Emitter, len(Levels)),
		queues:   make(map[Level]*Queue, len(Levels)),
		defQueue: defQ,
	}
	for _, lvl := range Levels {
		q, err := Open(ctx, backend, fmt.Sprintf("%s:%s", name, lvl), cfg)
		if err != nil {
			return nil, err
		}
		r.byLevel[lvl] = NewEmitter(q)
		r.queues[lvl] = q
	}
	return r, nil
}

// Send routes to the queue matching level, or to the default queue when
// level is empty. An undeclared level is a caller bug.
func (r *Router) Send(ctx context.Context, groupID, msgType string, body any, dedupKey string, level Level) error {
	if level == "" {
		return r.def.Send(ctx, groupID, msgType, body, dedupKey)
	}
	em, ok := r.byLevel[level]
	if !ok {
		return fmt.Errorf("queue %s: undeclared priority level %q", r.name, level)
	}
	return em.Send(ctx, groupID, msgType, body, dedupKey)
}

// LevelReceiver runs two independent receive loops: one against a specific
// level queue and one against the default queue. They share nothing but the
// logger, so a saturated level cannot block default consumption or vice
// versa.
type LevelReceiver struct {
	level *Receiver
	def   *Receiver
}

func NewLevelReceiver(r *Router, level Level, handler Handler, maxConcurrent int, log *slog.Logger) (*LevelReceiver, error) {
	q, ok := r.queues[level]
	if !ok {
		return nil, fmt.Errorf("queue %s: undeclared priority level %q", r.name, level)
	}
	return &LevelReceiver{
		level: NewReceiver(q, handler, maxConcurrent, log),
		def:   NewReceiver(r.defQueue, handler, maxConcurrent, log),
	}, nil
}

// Start blocks until both loops have stopped and drained.
func (lr *LevelReceiver) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lr.level.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		lr.def.Start(ctx)
	}()
	wg.Wait()
}

func (lr *LevelReceiver) Stop() {
	lr.level.Stop()
	lr.def.Stop()
}
