package geometry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/neuronviewer/server/internal/loop"
)

type handle struct {
	id      string
	visible bool
}

type spyLoader struct {
	calls map[string]int
	fail  map[string]error
}

func newSpyLoader() *spyLoader {
	return &spyLoader{calls: make(map[string]int), fail: make(map[string]error)}
}

func (s *spyLoader) load(_ context.Context, id string) (*handle, error) {
	s.calls[id]++
	if err := s.fail[id]; err != nil {
		return nil, err
	}
	return &handle{id: id}, nil
}

func newTestCache(sched loop.Scheduler) (*Cache[string, *handle], *[]string) {
	var failed []string
	c := New(sched, Hooks[string, *handle]{
		Visibility: func(h *handle, visible bool) { h.visible = visible },
		Failed:     func(id string, _ error) { failed = append(failed, id) },
	})
	return c, &failed
}

func TestEnsure_InstallsOnLaterTask(t *testing.T) {
	sched := loop.NewManual()
	c, _ := newTestCache(sched)
	spy := newSpyLoader()

	e := c.Ensure("a", spy.load)
	require.True(t, e.Loading())
	assert.Equal(t, 1, c.Pending())

	sched.Flush()
	require.True(t, e.Loaded())
	assert.Equal(t, "a", e.Handle.id)
	assert.Equal(t, 1, spy.calls["a"])
	assert.Zero(t, c.Pending())
}

func TestEnsure_SingleFlight(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sched := loop.NewManual()
		c, _ := newTestCache(sched)
		spy := newSpyLoader()

		ops := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d", "tick"}), 1, 60).Draw(t, "ops")
		seen := make(map[string]bool)
		for _, op := range ops {
			if op == "tick" {
				sched.Tick()
				continue
			}
			c.Ensure(op, spy.load)
			seen[op] = true
		}
		sched.Flush()

		for id := range seen {
			if spy.calls[id] != 1 {
				t.Fatalf("loader for %q ran %d times", id, spy.calls[id])
			}
			e, ok := c.Get(id)
			if !ok || !e.Loaded() {
				t.Fatalf("entry %q not resident", id)
			}
		}
		if c.Loads() != len(seen) {
			t.Fatalf("loads = %d, want %d", c.Loads(), len(seen))
		}
	})
}

func TestSetVisible_TogglesWithoutReload(t *testing.T) {
	sched := loop.NewManual()
	c, _ := newTestCache(sched)
	spy := newSpyLoader()

	e := c.Ensure("x", spy.load)
	c.SetVisible("x", true)
	sched.Flush()
	require.True(t, e.Handle.visible, "visibility set before install must apply on install")

	c.SetVisible("x", false)
	assert.False(t, e.Handle.visible)
	assert.True(t, c.Has("x"))

	c.SetVisible("x", true)
	c.Ensure("x", spy.load)
	sched.Flush()
	assert.True(t, e.Handle.visible)
	assert.Equal(t, 1, spy.calls["x"])
	assert.False(t, c.SetVisible("missing", true))
}

func TestLoaderFailure_LeavesEntryAbsentAndRetriable(t *testing.T) {
	sched := loop.NewManual()
	c, failed := newTestCache(sched)
	spy := newSpyLoader()
	boom := errors.New("mesh not found")
	spy.fail["m"] = boom

	c.Ensure("m", spy.load)
	sched.Flush()

	assert.False(t, c.Has("m"))
	assert.ErrorIs(t, c.Failure("m"), boom)
	assert.Equal(t, []string{"m"}, *failed)

	delete(spy.fail, "m")
	e := c.Ensure("m", spy.load)
	assert.NoError(t, c.Failure("m"))
	sched.Flush()
	assert.True(t, e.Loaded())
	assert.Equal(t, 2, spy.calls["m"])
}

func TestEvict_DiscardsPendingLoad(t *testing.T) {
	sched := loop.NewManual()
	var discarded []string
	c := New(sched, Hooks[string, *handle]{
		Discarded: func(h *handle) { discarded = append(discarded, h.id) },
	})
	spy := newSpyLoader()

	c.Ensure("p", spy.load)
	_, resident := c.Evict("p")
	assert.False(t, resident)
	sched.Flush()

	assert.False(t, c.Has("p"))
	assert.Equal(t, []string{"p"}, discarded)
}

func TestClear_ReturnsResidentHandles(t *testing.T) {
	sched := loop.NewManual()
	c, _ := newTestCache(sched)
	spy := newSpyLoader()

	c.Ensure("a", spy.load)
	c.Ensure("b", spy.load)
	sched.Flush()
	c.Ensure("c", spy.load)

	handles := c.Clear()
	assert.Len(t, handles, 2)
	assert.Zero(t, c.Len())
	sched.Flush()
	assert.False(t, c.Has("c"))
}
