// Package sink delivers finished results to the downstream consumer over
// asynq, which owns retry and backoff for this tier. Delivery is
// at-least-once; the sink's writes must be idempotent.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"communitysync/internal/model"
	"communitysync/internal/pipeline"
)

const (
	TaskTypeResult = "sync:result"

	queueDefault  = "results"
	queuePriority = "results-priority"
)

type resultPayload struct {
	ResultID string `json:"resultId"`
	TenantID string `json:"tenantId"`
}

// Publisher enqueues result tasks. The task id is the result id, so a
// re-published result collapses into the already-pending task.
type Publisher struct {
	client *asynq.Client
}

func NewPublisher(client *asynq.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, resultID, tenantID string, onboarding bool) error {
	b, err := json.Marshal(resultPayload{ResultID: resultID, TenantID: tenantID})
	if err != nil {
		return err
	}
	q := queueDefault
	if onboarding {
		q = queuePriority
	}
	_, err = p.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeResult, b),
		asynq.Queue(q),
		asynq.TaskID(resultID),
		asynq.MaxRetry(10),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue result %s: %w", resultID, err)
	}
	return nil
}

// Sink is the downstream consumer of normalized results.
type Sink interface {
	Consume(ctx context.Context, result *model.Result) error
}

// Worker consumes result tasks and hands them to the sink.
type Worker struct {
	store *pipeline.Store
	sink  Sink
	log   *slog.Logger
}

func NewWorker(store *pipeline.Store, s Sink, log *slog.Logger) *Worker {
	return &Worker{store: store, sink: s, log: log}
}

func (w *Worker) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeResult, w.handleResult)
	return mux
}

func (w *Worker) handleResult(ctx context.Context, t *asynq.Task) error {
	var p resultPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode result task: %v: %w", err, asynq.SkipRetry)
	}
	res, err := w.store.GetResult(ctx, p.ResultID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			// Pipeline-integrity fault; retrying cannot help.
			w.log.Error("result vanished before delivery", "result", p.ResultID)
			return fmt.Errorf("result %s not found: %w", p.ResultID, asynq.SkipRetry)
		}
		return err
	}
	return w.sink.Consume(ctx, res)
}

// Run blocks serving the result queues. The priority queue gets most of the
// weight but the default queue is never starved (asynq weighted dequeue).
func Run(redisAddr string, concurrency int, store *pipeline.Store, s Sink, log *slog.Logger) error {
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queuePriority: 6,
			queueDefault:  3,
		},
	})
	w := NewWorker(store, s, log)
	return srv.Run(w.mux())
}
