package loop

import "sync"

// Manual is a Scheduler that only runs tasks when ticked. Work passed to Go is queued
// alongside posted tasks, so tests control the interleaving of responses and user actions.
type Manual struct {
	mu    sync.Mutex
	queue []func()
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// Post queues task.
func (m *Manual) Post(task func()) {
	m.mu.Lock()
	m.queue = append(m.queue, task)
	m.mu.Unlock()
}

// Go queues work; it runs on the ticking goroutine.
func (m *Manual) Go(work func()) {
	m.Post(work)
}

// Len returns the number of queued tasks.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Tick runs the tasks queued at the time of the call and returns how many ran.
// Tasks queued while ticking wait for the next Tick.
func (m *Manual) Tick() int {
	m.mu.Lock()
	tasks := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// Flush ticks until the queue is empty and returns the total number of tasks run.
func (m *Manual) Flush() int {
	total := 0
	for {
		n := m.Tick()
		if n == 0 {
			return total
		}
		total += n
	}
}
