package pipeline

import (
	"context"
	"log/slog"
	"time"

	"communitysync/internal/metrics"
	"communitysync/internal/queue"
)

const sweepBatch = 500

// Sweeper periodically re-publishes pipeline rows that have been sitting in
// a non-terminal state too long. This is the compensation for the queue's
// delete-before-process trade-off: a consumer that popped a message and
// crashed leaves only the row behind.
type Sweeper struct {
	store      *Store
	streams    *queue.Router
	data       *queue.Router
	interval   time.Duration
	staleAfter time.Duration
	log        *slog.Logger
}

func NewSweeper(store *Store, streams, data *queue.Router, interval, staleAfter time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		streams:    streams,
		data:       data,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("backlog sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over streams and data.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.store.now().Add(-s.staleAfter)

	streams, err := s.store.StaleStreams(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	for _, st := range streams {
		if err := s.store.ResetStream(ctx, st.ID); err != nil {
			return err
		}
		err := s.streams.Send(ctx, st.RunID, TypeProcessStream,
			ProcessStreamBody{StreamID: st.ID}, "", "")
		if err != nil {
			return err
		}
		metrics.SweepRequeued.WithLabelValues("stream").Inc()
	}

	data, err := s.store.DueOrStaleData(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	for _, d := range data {
		if err := s.store.ResetData(ctx, d.ID); err != nil {
			return err
		}
		err := s.data.Send(ctx, d.TenantID, TypeProcessData,
			ProcessDataBody{DataID: d.ID}, "", priorityFor(d.Onboarding))
		if err != nil {
			return err
		}
		metrics.SweepRequeued.WithLabelValues("data").Inc()
	}

	if len(streams) > 0 || len(data) > 0 {
		s.log.Info("backlog sweep requeued work", "streams", len(streams), "data", len(data))
	}
	return nil
}
