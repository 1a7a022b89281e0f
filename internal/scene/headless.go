package scene

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/neuronviewer/server/internal/model"
)

// Object is a snapshot of one object held by a HeadlessRenderer.
type Object struct {
	ID       string
	Style    Style
	Visible  bool
	Opacity  float64
	Vertices int
}

type headlessObject struct {
	Object
	serial int
}

// HeadlessRenderer is an in-memory scene graph. It renders nothing; it tracks objects so
// the viewer can run without a GPU.
type HeadlessRenderer struct {
	mu      sync.Mutex
	objects map[*headlessObject]struct{}
	serial  int
	loads   int
	unloads int
	log     *slog.Logger
}

// NewHeadlessRenderer creates an empty scene graph.
func NewHeadlessRenderer(logger *slog.Logger) *HeadlessRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadlessRenderer{
		objects: make(map[*headlessObject]struct{}),
		log:     logger.With("component", "renderer"),
	}
}

// Load adds an object built from payload. New objects start hidden at full opacity.
func (r *HeadlessRenderer) Load(id string, payload any, style Style) (Handle, error) {
	vertices, err := vertexCount(payload)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.serial++
	r.loads++
	obj := &headlessObject{
		Object: Object{ID: id, Style: style, Opacity: 1, Vertices: vertices},
		serial: r.serial,
	}
	r.objects[obj] = struct{}{}
	r.log.Debug("object loaded", "id", id, "vertices", vertices)
	return obj, nil
}

// SetVisible toggles an object's visibility flag.
func (r *HeadlessRenderer) SetVisible(h Handle, visible bool) {
	obj, ok := h.(*headlessObject)
	if !ok {
		return
	}
	r.mu.Lock()
	obj.Visible = visible
	r.mu.Unlock()
}

// SetOpacity changes an object's opacity uniform.
func (r *HeadlessRenderer) SetOpacity(h Handle, opacity float64) {
	obj, ok := h.(*headlessObject)
	if !ok {
		return
	}
	r.mu.Lock()
	obj.Opacity = opacity
	r.mu.Unlock()
}

// Unload removes an object from the scene graph.
func (r *HeadlessRenderer) Unload(h Handle) {
	obj, ok := h.(*headlessObject)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[obj]; ok {
		delete(r.objects, obj)
		r.unloads++
	}
}

// Objects returns a snapshot of the scene graph ordered by id then creation.
func (r *HeadlessRenderer) Objects() []Object {
	r.mu.Lock()
	objs := make([]*headlessObject, 0, len(r.objects))
	for obj := range r.objects {
		objs = append(objs, obj)
	}
	r.mu.Unlock()

	sort.Slice(objs, func(i, j int) bool {
		if objs[i].ID != objs[j].ID {
			return objs[i].ID < objs[j].ID
		}
		return objs[i].serial < objs[j].serial
	})
	out := make([]Object, len(objs))
	r.mu.Lock()
	for i, obj := range objs {
		out[i] = obj.Object
	}
	r.mu.Unlock()
	return out
}

// Counts returns the number of loads and unloads performed so far.
func (r *HeadlessRenderer) Counts() (loads, unloads int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads, r.unloads
}

func vertexCount(payload any) (int, error) {
	switch p := payload.(type) {
	case *model.Tracing:
		return len(p.Nodes), nil
	case model.Node, *model.Node:
		return 1, nil
	case *model.Mesh:
		return objVertexCount(p.Data), nil
	case []byte:
		return objVertexCount(p), nil
	case nil:
		return 0, fmt.Errorf("empty payload")
	}
	return 0, fmt.Errorf("unsupported payload %T", payload)
}

func objVertexCount(data []byte) int {
	n := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("v ")) {
			n++
		}
	}
	return n
}
