// Package loop provides the single logical goroutine on which viewer state is mutated.
//
// Viewer components never lock their own state. Blocking work (network fetches, mesh loads)
// is started with Go and hands its result back with Post, so every mutation of view state,
// geometry caches and the fetch queue happens on the goroutine running the loop.
package loop

import (
	"context"
	"sync"
)

// Scheduler runs tasks on the loop goroutine and blocking work off it.
type Scheduler interface {
	// Post queues task to run on the loop goroutine. It never runs task synchronously.
	Post(task func())
	// Go runs work off the loop goroutine. work must use Post to touch loop-owned state.
	Go(work func())
}

// Loop is a Scheduler backed by a goroutine draining an unbounded task queue.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	workers sync.WaitGroup
}

// New creates a loop. Call Run to start processing tasks.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues task. Tasks posted after Stop are dropped.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs work on a new goroutine tracked by Wait.
func (l *Loop) Go(work func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		work()
	}()
}

// Run processes tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}
		if stopped {
			return nil
		}
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Call runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop makes Run return after the tasks already queued. Later posts are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until every goroutine started with Go has returned.
func (l *Loop) Wait() {
	l.workers.Wait()
}
