// Package fetch batches tracing geometry requests: one batch in flight at a time, bounded
// batch size, pausable and cancellable.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neuronviewer/server/internal/loop"
	"github.com/neuronviewer/server/internal/metrics"
	"github.com/neuronviewer/server/internal/model"
)

// DefaultBatchSize is used when Config.BatchSize is not positive.
const DefaultBatchSize = 20

// ErrMissing is reported for ids the server did not return.
var ErrMissing = errors.New("tracing missing from batch response")

// Fetcher issues one batched geometry request.
type Fetcher interface {
	FetchTracingGeometry(ctx context.Context, ids []string) (*model.TracingBatch, error)
}

// Handler receives batch outcomes on the loop goroutine.
type Handler interface {
	// Resolved is called with the tracings returned for a batch.
	Resolved(tracings []model.Tracing)
	// Failed is called with every id of a failed batch, or the ids a response left out.
	Failed(ids []string, err error)
}

// State is the queue's position in Idle -> Queued -> InFlight.
type State int

const (
	Idle State = iota
	Queued
	InFlight
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case InFlight:
		return "in_flight"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config contains fetch queue settings.
type Config struct {
	BatchSize int
}

// Stats counts queue activity since creation.
type Stats struct {
	Batches  int
	Failed   int
	Received int
}

// Queue holds pending tracing ids and drains them in batches. It must only be used on the
// loop goroutine.
type Queue struct {
	sched     loop.Scheduler
	fetcher   Fetcher
	handler   Handler
	batchSize int
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pending    []string
	pendingSet map[string]struct{}
	inflight   map[string]struct{}
	running    bool
	completing bool
	stats      Stats
}

// New creates a running queue.
func New(cfg Config, sched loop.Scheduler, fetcher Fetcher, handler Handler, logger *slog.Logger) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sched:      sched,
		fetcher:    fetcher,
		handler:    handler,
		batchSize:  cfg.BatchSize,
		log:        logger.With("component", "fetch"),
		ctx:        ctx,
		cancel:     cancel,
		pendingSet: make(map[string]struct{}),
		running:    true,
	}
}

// Enqueue adds ids that are neither pending nor in flight and returns how many were added.
func (q *Queue) Enqueue(ids []string) int {
	added := 0
	for _, id := range ids {
		if _, ok := q.pendingSet[id]; ok {
			continue
		}
		if _, ok := q.inflight[id]; ok {
			continue
		}
		q.pendingSet[id] = struct{}{}
		q.pending = append(q.pending, id)
		added++
	}
	metrics.FetchPending.Set(float64(len(q.pending)))
	if added > 0 && !q.completing {
		q.drain()
	}
	return added
}

func (q *Queue) drain() {
	if q.inflight != nil || !q.running || len(q.pending) == 0 {
		return
	}

	n := q.batchSize
	if n > len(q.pending) {
		n = len(q.pending)
	}
	batch := make([]string, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]

	q.inflight = make(map[string]struct{}, n)
	for _, id := range batch {
		delete(q.pendingSet, id)
		q.inflight[id] = struct{}{}
	}
	q.stats.Batches++
	metrics.FetchPending.Set(float64(len(q.pending)))
	q.log.Debug("batch issued", "size", len(batch), "pending", len(q.pending))

	ctx := q.ctx
	fetcher := q.fetcher
	q.sched.Go(func() {
		start := time.Now()
		res, err := fetcher.FetchTracingGeometry(ctx, batch)
		metrics.FetchBatchDuration.Observe(time.Since(start).Seconds())
		q.sched.Post(func() { q.complete(batch, res, err) })
	})
}

// complete delivers a batch outcome. Ids enqueued by the handler wait for the posted drain.
func (q *Queue) complete(batch []string, res *model.TracingBatch, err error) {
	q.inflight = nil
	q.completing = true
	defer func() { q.completing = false }()

	if err == nil && res == nil {
		err = errors.New("empty batch response")
	}
	if err != nil {
		q.stats.Failed++
		metrics.FetchBatchesTotal.WithLabelValues("failure").Inc()
		q.log.Warn("batch failed", "size", len(batch), "error", err)
		q.handler.Failed(batch, err)
	} else {
		metrics.FetchBatchesTotal.WithLabelValues("success").Inc()
		metrics.FetchTracingsTotal.Add(float64(len(res.Tracings)))
		q.stats.Received += len(res.Tracings)

		returned := make(map[string]struct{}, len(res.Tracings))
		for _, tr := range res.Tracings {
			returned[tr.ID] = struct{}{}
		}
		var missing []string
		for _, id := range batch {
			if _, ok := returned[id]; !ok {
				missing = append(missing, id)
			}
		}

		q.handler.Resolved(res.Tracings)
		if len(missing) > 0 {
			q.log.Warn("batch response incomplete", "missing", len(missing))
			q.handler.Failed(missing, ErrMissing)
		}
	}

	if len(q.pending) > 0 && q.running {
		q.sched.Post(q.drain)
	}
}

// SetRunning pauses or resumes draining. A batch already in flight still completes.
func (q *Queue) SetRunning(running bool) {
	q.running = running
	if running && !q.completing {
		q.drain()
	}
}

// CancelAll drops every pending id and returns them. An in-flight batch is not aborted.
func (q *Queue) CancelAll() []string {
	cleared := q.pending
	q.pending = nil
	q.pendingSet = make(map[string]struct{})
	metrics.FetchPending.Set(0)
	return cleared
}

// Remove drops ids from the pending set and returns how many were removed.
// Ids already in flight are unaffected.
func (q *Queue) Remove(ids []string) int {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := q.pendingSet[id]; ok {
			drop[id] = struct{}{}
			delete(q.pendingSet, id)
		}
	}
	if len(drop) == 0 {
		return 0
	}
	kept := make([]string, 0, len(q.pending)-len(drop))
	for _, id := range q.pending {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	q.pending = kept
	metrics.FetchPending.Set(float64(len(q.pending)))
	return len(drop)
}

// Close aborts the in-flight request, if any. Its completion is still delivered as a failure.
func (q *Queue) Close() {
	q.cancel()
}

// Pending returns the number of ids waiting for a batch.
func (q *Queue) Pending() int { return len(q.pending) }

// InFlight reports whether a batch request is outstanding.
func (q *Queue) InFlight() bool { return q.inflight != nil }

// IsInFlight reports whether id is part of the outstanding batch.
func (q *Queue) IsInFlight(id string) bool {
	_, ok := q.inflight[id]
	return ok
}

// Running reports whether the queue may start new batches.
func (q *Queue) Running() bool { return q.running }

// State returns the queue's current state.
func (q *Queue) State() State {
	switch {
	case q.inflight != nil:
		return InFlight
	case len(q.pending) > 0:
		return Queued
	}
	return Idle
}

// Stats returns activity counters.
func (q *Queue) Stats() Stats { return q.stats }
