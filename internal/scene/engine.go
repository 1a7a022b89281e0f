package scene

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/neuronviewer/server/internal/geometry"
	"github.com/neuronviewer/server/internal/loop"
	"github.com/neuronviewer/server/internal/metrics"
)

// Result describes one reconcile pass.
type Result struct {
	ToHide         []string
	ToCreateOrShow []string
	ToVerify       []string

	// Created ids had a load started. Shown ids were resident and only made visible again.
	Created []string
	Shown   []string
	// Rebuilt ids were unloaded and created again because their fingerprint changed.
	Rebuilt        []string
	OpacityChanged []string
	// Deferred ids were desired but not creatable yet.
	Deferred []string
}

// Changed reports whether the pass mutated the scene.
func (r Result) Changed() bool {
	return len(r.ToHide)+len(r.Created)+len(r.Shown)+len(r.Rebuilt)+len(r.OpacityChanged) > 0
}

type applied struct {
	fingerprint string
	opacity     float64
}

// Engine keeps one renderer consistent with a desired set of ids. It is used for tracings
// and for compartments, each with its own cache, and must only be used on the loop goroutine.
type Engine struct {
	name     string
	renderer Renderer
	cache    *geometry.Cache[string, Handle]
	applied  map[string]applied
	log      *slog.Logger

	// Notify, when set, is called after an asynchronous install or failure.
	Notify func()
}

// NewEngine creates an engine named name (used in logs and metrics).
func NewEngine(name string, sched loop.Scheduler, renderer Renderer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		name:     name,
		renderer: renderer,
		applied:  make(map[string]applied),
		log:      logger.With("component", "scene", "engine", name),
	}
	e.cache = geometry.New(sched, geometry.Hooks[string, Handle]{
		Installed:  e.installed,
		Failed:     e.failed,
		Visibility: renderer.SetVisible,
		Discarded:  renderer.Unload,
	})
	return e
}

func (e *Engine) installed(id string, entry *geometry.Entry[string, Handle]) {
	if a, ok := e.applied[id]; ok && a.opacity != 1 {
		e.renderer.SetOpacity(entry.Handle, a.opacity)
	}
	if e.Notify != nil {
		e.Notify()
	}
}

func (e *Engine) failed(id string, err error) {
	delete(e.applied, id)
	metrics.SceneLoadFailuresTotal.WithLabelValues(e.name).Inc()
	e.log.Warn("geometry load failed", "id", id, "error", err)
	if e.Notify != nil {
		e.Notify()
	}
}

// Reconcile hides, shows, creates and rebuilds objects so that exactly desired is visible.
// Hides are applied before creates.
func (e *Engine) Reconcile(desired []string, resolve Resolver) Result {
	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}

	prev := e.cache.VisibleIDs()
	sort.Strings(prev)
	wasVisible := make(map[string]struct{}, len(prev))

	var res Result
	for _, id := range prev {
		wasVisible[id] = struct{}{}
		if _, ok := want[id]; ok {
			res.ToVerify = append(res.ToVerify, id)
		} else {
			res.ToHide = append(res.ToHide, id)
		}
	}
	seen := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := wasVisible[id]; !ok {
			res.ToCreateOrShow = append(res.ToCreateOrShow, id)
		}
	}

	for _, id := range res.ToHide {
		e.cache.SetVisible(id, false)
	}

	for _, id := range res.ToCreateOrShow {
		desc, ok := resolve(id)
		if e.cache.Has(id) {
			if ok && e.applied[id].fingerprint != desc.Fingerprint {
				e.rebuild(id, desc)
				res.Rebuilt = append(res.Rebuilt, id)
				continue
			}
			e.cache.SetVisible(id, true)
			if ok && e.setOpacity(id, desc.Opacity) {
				res.OpacityChanged = append(res.OpacityChanged, id)
			}
			res.Shown = append(res.Shown, id)
			continue
		}
		if !ok {
			res.Deferred = append(res.Deferred, id)
			continue
		}
		e.create(id, desc)
		res.Created = append(res.Created, id)
	}

	for _, id := range res.ToVerify {
		desc, ok := resolve(id)
		if !ok {
			continue
		}
		if e.applied[id].fingerprint != desc.Fingerprint {
			e.rebuild(id, desc)
			res.Rebuilt = append(res.Rebuilt, id)
			continue
		}
		if e.setOpacity(id, desc.Opacity) {
			res.OpacityChanged = append(res.OpacityChanged, id)
		}
	}

	e.record(res)
	return res
}

func (e *Engine) create(id string, desc Descriptor) {
	e.applied[id] = applied{fingerprint: desc.Fingerprint, opacity: desc.Opacity}
	geometryFn := desc.Geometry
	style := desc.Style
	renderer := e.renderer
	e.cache.Ensure(id, func(ctx context.Context, id string) (Handle, error) {
		payload, err := geometryFn(ctx)
		if err != nil {
			return nil, fmt.Errorf("load geometry for %s: %w", id, err)
		}
		return renderer.Load(id, payload, style)
	})
	e.cache.SetVisible(id, true)
}

func (e *Engine) rebuild(id string, desc Descriptor) {
	if h, ok := e.cache.Evict(id); ok {
		e.renderer.Unload(h)
	}
	e.create(id, desc)
}

func (e *Engine) setOpacity(id string, opacity float64) bool {
	a := e.applied[id]
	if a.opacity == opacity {
		return false
	}
	a.opacity = opacity
	e.applied[id] = a
	if entry, ok := e.cache.Get(id); ok && entry.Loaded() {
		e.renderer.SetOpacity(entry.Handle, opacity)
	}
	return true
}

func (e *Engine) record(res Result) {
	if !res.Changed() && len(res.Deferred) == 0 {
		return
	}
	actions := metrics.SceneActionsTotal
	actions.WithLabelValues(e.name, "hide").Add(float64(len(res.ToHide)))
	actions.WithLabelValues(e.name, "create").Add(float64(len(res.Created)))
	actions.WithLabelValues(e.name, "show").Add(float64(len(res.Shown)))
	actions.WithLabelValues(e.name, "rebuild").Add(float64(len(res.Rebuilt)))
	actions.WithLabelValues(e.name, "opacity").Add(float64(len(res.OpacityChanged)))
	e.log.Debug("reconciled",
		"hide", len(res.ToHide),
		"create", len(res.Created),
		"show", len(res.Shown),
		"rebuild", len(res.Rebuilt),
		"deferred", len(res.Deferred))
}

// Visible reports whether id is currently marked visible.
func (e *Engine) Visible(id string) bool {
	entry, ok := e.cache.Get(id)
	return ok && entry.Visible
}

// Resident reports whether id has a loaded handle.
func (e *Engine) Resident(id string) bool {
	entry, ok := e.cache.Get(id)
	return ok && entry.Loaded()
}

// Failure returns the last load error for id.
func (e *Engine) Failure(id string) error {
	return e.cache.Failure(id)
}

// Loading returns the number of objects still being created.
func (e *Engine) Loading() int {
	return e.cache.Pending()
}

// Loads returns how many loads the engine has started.
func (e *Engine) Loads() int {
	return e.cache.Loads()
}

// Reset unloads every resident object and forgets all entries.
func (e *Engine) Reset() {
	for _, h := range e.cache.Clear() {
		e.renderer.Unload(h)
	}
	e.applied = make(map[string]applied)
}
