package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"communitysync/internal/metrics"
)

// Handler processes one delivered message. Errors are logged and swallowed
// by the receive loop; the queue never requeues on handler failure, so a
// handler that wants a retry must re-publish explicitly.
type Handler func(ctx context.Context, env Envelope) error

const defaultPollWait = 15 * time.Second

// Receiver runs a cooperative poll loop against one queue. At most
// maxConcurrent handler invocations are in flight; the pop that delivers a
// message also deletes it (at-least-once, delete-before-process).
type Receiver struct {
	q             *Queue
	handler       Handler
	maxConcurrent int
	pollWait      time.Duration
	log           *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewReceiver(q *Queue, handler Handler, maxConcurrent int, log *slog.Logger) *Receiver {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Receiver{
		q:             q,
		handler:       handler,
		maxConcurrent: maxConcurrent,
		pollWait:      defaultPollWait,
		log:           log.With("queue", q.Name()),
	}
}

// Start blocks, polling until Stop is called or ctx is cancelled. In-flight
// handlers are allowed to drain before Start returns.
func (r *Receiver) Start(ctx context.Context) {
	r.running.Store(true)
	permits := make(chan struct{}, r.maxConcurrent)

	for r.running.Load() && ctx.Err() == nil {
		select {
		case permits <- struct{}{}:
		case <-ctx.Done():
		}
		if !r.running.Load() || ctx.Err() != nil {
			break
		}

		raw, err := r.q.backend.Pop(ctx, r.q.listKey(), r.pollWait)
		if err != nil {
			<-permits
			if err == ErrEmpty || ctx.Err() != nil {
				continue
			}
			r.log.Error("queue poll failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		metrics.MessagesReceived.WithLabelValues(r.q.Name()).Inc()
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			<-permits
			metrics.MessagesProcessed.WithLabelValues(r.q.Name(), "fatal").Inc()
			r.log.Error("dropping undecodable message", "error", err)
			continue
		}

		r.wg.Add(1)
		metrics.InFlight.WithLabelValues(r.q.Name()).Inc()
		go func(env Envelope) {
			defer func() {
				metrics.InFlight.WithLabelValues(r.q.Name()).Dec()
				<-permits
				r.wg.Done()
			}()
			if err := r.handler(ctx, env); err != nil {
				metrics.MessagesProcessed.WithLabelValues(r.q.Name(), "error").Inc()
				r.log.Error("message handler failed",
					"type", env.Type, "group", env.GroupID, "error", err)
				return
			}
			metrics.MessagesProcessed.WithLabelValues(r.q.Name(), "ok").Inc()
		}(env)
	}

	r.wg.Wait()
}

// Stop flips the running flag; the loop observes it before its next poll.
// In-flight handlers are not cancelled.
func (r *Receiver) Stop() {
	r.running.Store(false)
}
