// Package geometry provides the keyed store of renderer handles shared by the scene engines.
package geometry

import (
	"context"

	"github.com/neuronviewer/server/internal/loop"
)

// Loader produces the handle for id. It runs off the loop goroutine.
type Loader[K comparable, V any] func(ctx context.Context, id K) (V, error)

// Hooks connect a cache to the scene that displays its handles. All hooks run on the loop goroutine.
type Hooks[K comparable, V any] struct {
	// Installed is called after a handle has been installed into its entry.
	Installed func(id K, entry *Entry[K, V])
	// Failed is called when a loader returns an error. The entry is already gone.
	Failed func(id K, err error)
	// Visibility applies a visibility change to a resident handle.
	Visibility func(handle V, visible bool)
	// Discarded releases a handle whose entry was evicted while it was loading.
	Discarded func(handle V)
}

// Entry is the cache record of one renderable unit.
type Entry[K comparable, V any] struct {
	ID      K
	Handle  V
	Visible bool

	loaded bool
}

// Loaded reports whether the handle is resident.
func (e *Entry[K, V]) Loaded() bool { return e.loaded }

// Loading reports whether creation is still in flight.
func (e *Entry[K, V]) Loading() bool { return !e.loaded }

// Cache maps ids to renderer handles with at most one load in flight per id.
// It is owned by the loop goroutine and must not be used from anywhere else.
type Cache[K comparable, V any] struct {
	sched    loop.Scheduler
	hooks    Hooks[K, V]
	ctx      context.Context
	cancel   context.CancelFunc
	entries  map[K]*Entry[K, V]
	failures map[K]error
	loads    int
}

// New creates an empty cache.
func New[K comparable, V any](sched loop.Scheduler, hooks Hooks[K, V]) *Cache[K, V] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache[K, V]{
		sched:    sched,
		hooks:    hooks,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[K]*Entry[K, V]),
		failures: make(map[K]error),
	}
}

// Get returns the entry for id.
func (c *Cache[K, V]) Get(id K) (*Entry[K, V], bool) {
	e, ok := c.entries[id]
	return e, ok
}

// Has reports whether id has an entry, resident or loading.
func (c *Cache[K, V]) Has(id K) bool {
	_, ok := c.entries[id]
	return ok
}

// Ensure returns the entry for id, registering a pending one and starting load if absent.
// The handle is installed on a later loop task.
func (c *Cache[K, V]) Ensure(id K, load Loader[K, V]) *Entry[K, V] {
	if e, ok := c.entries[id]; ok {
		return e
	}

	e := &Entry[K, V]{ID: id}
	c.entries[id] = e
	delete(c.failures, id)
	c.loads++

	ctx := c.ctx
	c.sched.Go(func() {
		handle, err := load(ctx, id)
		c.sched.Post(func() { c.install(e, handle, err) })
	})
	return e
}

func (c *Cache[K, V]) install(e *Entry[K, V], handle V, err error) {
	if cur, ok := c.entries[e.ID]; !ok || cur != e {
		if err == nil && c.hooks.Discarded != nil {
			c.hooks.Discarded(handle)
		}
		return
	}

	if err != nil {
		delete(c.entries, e.ID)
		c.failures[e.ID] = err
		if c.hooks.Failed != nil {
			c.hooks.Failed(e.ID, err)
		}
		return
	}

	e.Handle = handle
	e.loaded = true
	if c.hooks.Visibility != nil {
		c.hooks.Visibility(handle, e.Visible)
	}
	if c.hooks.Installed != nil {
		c.hooks.Installed(e.ID, e)
	}
}

// SetVisible marks id visible or hidden. Resident handles are toggled in place, never unloaded.
// It returns false when id has no entry.
func (c *Cache[K, V]) SetVisible(id K, visible bool) bool {
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	if e.Visible == visible {
		return true
	}
	e.Visible = visible
	if e.loaded && c.hooks.Visibility != nil {
		c.hooks.Visibility(e.Handle, visible)
	}
	return true
}

// VisibleIDs returns the ids currently marked visible, including loading ones.
func (c *Cache[K, V]) VisibleIDs() []K {
	ids := make([]K, 0, len(c.entries))
	for id, e := range c.entries {
		if e.Visible {
			ids = append(ids, id)
		}
	}
	return ids
}

// Failure returns the error of the last failed load of id, if it has not been retried since.
func (c *Cache[K, V]) Failure(id K) error {
	return c.failures[id]
}

// Evict removes id. The handle is returned when it was resident; a pending load is discarded on arrival.
func (c *Cache[K, V]) Evict(id K) (V, bool) {
	var zero V
	e, ok := c.entries[id]
	if !ok {
		return zero, false
	}
	delete(c.entries, id)
	if !e.loaded {
		return zero, false
	}
	return e.Handle, true
}

// Clear removes every entry, cancels pending loads and returns the resident handles.
func (c *Cache[K, V]) Clear() []V {
	handles := make([]V, 0, len(c.entries))
	for _, e := range c.entries {
		if e.loaded {
			handles = append(handles, e.Handle)
		}
	}
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.entries = make(map[K]*Entry[K, V])
	c.failures = make(map[K]error)
	return handles
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int { return len(c.entries) }

// Pending returns the number of entries still loading.
func (c *Cache[K, V]) Pending() int {
	n := 0
	for _, e := range c.entries {
		if !e.loaded {
			n++
		}
	}
	return n
}

// Loads returns how many loads the cache has started.
func (c *Cache[K, V]) Loads() int { return c.loads }
