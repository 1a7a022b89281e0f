package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/neuronviewer/server/internal/loop"
	"github.com/neuronviewer/server/internal/model"
)

type scriptedFetcher struct {
	batches [][]string
	fail    map[int]error
	omit    map[string]bool
}

func (f *scriptedFetcher) FetchTracingGeometry(_ context.Context, ids []string) (*model.TracingBatch, error) {
	call := len(f.batches)
	f.batches = append(f.batches, append([]string(nil), ids...))
	if err := f.fail[call]; err != nil {
		return nil, err
	}
	res := &model.TracingBatch{}
	for _, id := range ids {
		if f.omit[id] {
			continue
		}
		res.Tracings = append(res.Tracings, model.Tracing{ID: id})
	}
	return res, nil
}

type recordingHandler struct {
	resolved []string
	failed   []string
	errs     []error
}

func (h *recordingHandler) Resolved(tracings []model.Tracing) {
	for _, tr := range tracings {
		h.resolved = append(h.resolved, tr.ID)
	}
}

func (h *recordingHandler) Failed(ids []string, err error) {
	h.failed = append(h.failed, ids...)
	h.errs = append(h.errs, err)
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func newTestQueue(batchSize int) (*Queue, *scriptedFetcher, *recordingHandler, *loop.Manual) {
	sched := loop.NewManual()
	f := &scriptedFetcher{fail: make(map[int]error), omit: make(map[string]bool)}
	h := &recordingHandler{}
	return New(Config{BatchSize: batchSize}, sched, f, h, nil), f, h, sched
}

func TestQueue_BatchesDrainMonotonically(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 80).Draw(t, "n")
		b := rapid.IntRange(1, 12).Draw(t, "batchSize")
		q, f, h, sched := newTestQueue(b)

		q.Enqueue(ids("t", n))
		sched.Flush()

		want := (n + b - 1) / b
		if len(f.batches) != want {
			t.Fatalf("issued %d batches for n=%d b=%d, want %d", len(f.batches), n, b, want)
		}
		seen := make(map[string]int)
		for _, batch := range f.batches {
			if len(batch) > b {
				t.Fatalf("batch of %d exceeds cap %d", len(batch), b)
			}
			for _, id := range batch {
				seen[id]++
			}
		}
		for _, id := range ids("t", n) {
			if seen[id] != 1 {
				t.Fatalf("id %s appeared in %d batches", id, seen[id])
			}
		}
		if len(h.resolved) != n || q.State() != Idle {
			t.Fatalf("resolved %d of %d, state %v", len(h.resolved), n, q.State())
		}
	})
}

func TestQueue_PauseAfterFirstBatch(t *testing.T) {
	q, f, h, sched := newTestQueue(5)

	q.Enqueue(ids("t", 12))
	require.Equal(t, InFlight, q.State())
	require.Equal(t, 7, q.Pending())

	sched.Tick() // request sent
	require.Len(t, f.batches, 1)
	q.SetRunning(false)

	sched.Flush()
	assert.Len(t, h.resolved, 5, "in-flight batch applies while paused")
	assert.Len(t, f.batches, 1)
	assert.Equal(t, Queued, q.State())

	q.SetRunning(true)
	sched.Flush()
	require.Len(t, f.batches, 3)
	assert.Len(t, f.batches[0], 5)
	assert.Len(t, f.batches[1], 5)
	assert.Len(t, f.batches[2], 2)
	assert.Len(t, h.resolved, 12)
}

func TestQueue_PausedEnqueueIssuesNothing(t *testing.T) {
	q, f, _, sched := newTestQueue(5)
	q.SetRunning(false)

	q.Enqueue([]string{"x"})
	sched.Flush()
	assert.Empty(t, f.batches)
	assert.Equal(t, 1, q.Pending())

	q.SetRunning(true)
	sched.Flush()
	assert.Equal(t, [][]string{{"x"}}, f.batches)
}

func TestQueue_FailedBatchIsNotRetried(t *testing.T) {
	q, f, h, sched := newTestQueue(2)
	boom := errors.New("status 502")
	f.fail[0] = boom

	q.Enqueue([]string{"t1", "t2", "t3"})
	sched.Flush()

	assert.Equal(t, []string{"t1", "t2"}, h.failed)
	assert.ErrorIs(t, h.errs[0], boom)
	assert.Equal(t, []string{"t3"}, h.resolved)
	assert.Len(t, f.batches, 2)
	assert.Equal(t, Stats{Batches: 2, Failed: 1, Received: 1}, q.Stats())
}

func TestQueue_DeduplicatesPendingAndInFlight(t *testing.T) {
	q, f, _, sched := newTestQueue(2)

	assert.Equal(t, 3, q.Enqueue([]string{"a", "b", "c"}))
	assert.True(t, q.IsInFlight("a"))
	assert.Equal(t, 0, q.Enqueue([]string{"a", "b", "c", "c"}))
	assert.Equal(t, 1, q.Enqueue([]string{"d"}))

	sched.Flush()
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, f.batches)
}

func TestQueue_CancelAllKeepsInFlightResult(t *testing.T) {
	q, f, h, sched := newTestQueue(2)

	q.Enqueue(ids("t", 5))
	cleared := q.CancelAll()
	assert.Equal(t, []string{"t2", "t3", "t4"}, cleared)
	assert.Zero(t, q.Pending())

	sched.Flush()
	assert.Len(t, f.batches, 1)
	assert.Equal(t, []string{"t0", "t1"}, h.resolved)
	assert.Equal(t, Idle, q.State())
}

func TestQueue_MissingIdsReportedAsFailed(t *testing.T) {
	q, f, h, sched := newTestQueue(5)
	f.omit["gone"] = true

	q.Enqueue([]string{"ok", "gone"})
	sched.Flush()

	assert.Equal(t, []string{"ok"}, h.resolved)
	assert.Equal(t, []string{"gone"}, h.failed)
	assert.ErrorIs(t, h.errs[0], ErrMissing)
}

func TestQueue_RemoveDropsOnlyPending(t *testing.T) {
	q, f, _, sched := newTestQueue(1)

	q.Enqueue([]string{"a", "b", "c"})
	assert.Equal(t, 1, q.Remove([]string{"a", "b", "zzz"}))
	assert.Equal(t, 1, q.Pending())

	sched.Flush()
	assert.Equal(t, [][]string{{"a"}, {"c"}}, f.batches)
}

type chainingHandler struct {
	recordingHandler
	q    *Queue
	next map[string][]string
}

func (h *chainingHandler) Resolved(tracings []model.Tracing) {
	h.recordingHandler.Resolved(tracings)
	for _, tr := range tracings {
		h.q.Enqueue(h.next[tr.ID])
	}
}

func TestQueue_HandlerEnqueueWaitsForNextTask(t *testing.T) {
	sched := loop.NewManual()
	f := &scriptedFetcher{fail: make(map[int]error), omit: make(map[string]bool)}
	h := &chainingHandler{next: map[string][]string{"a": {"b"}}}
	q := New(Config{BatchSize: 1}, sched, f, h, nil)
	h.q = q

	q.Enqueue([]string{"a"})
	sched.Tick() // request sent
	sched.Tick() // response applied, handler enqueues b

	assert.Equal(t, []string{"a"}, h.resolved)
	assert.Equal(t, Queued, q.State(), "b waits for the posted drain")
	assert.Equal(t, 1, sched.Len())

	sched.Tick()
	assert.Equal(t, InFlight, q.State())
	sched.Flush()
	assert.Equal(t, [][]string{{"a"}, {"b"}}, f.batches)
	assert.Equal(t, []string{"a", "b"}, h.resolved)
}
