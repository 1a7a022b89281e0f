// Package viewer ties view state, the fetch queue and the scene engines into one session.
//
// Every exported Session method must run on the loop goroutine that owns the session's
// scheduler. Each mutating call ends with a sync: the desired tracing set is recomputed, ids
// that still need geometry go to the fetch queue, and the tracing engine reconciles the scene.
package viewer

import (
	"context"
	"log/slog"

	"github.com/neuronviewer/server/internal/fetch"
	"github.com/neuronviewer/server/internal/loop"
	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/internal/scene"
	"github.com/neuronviewer/server/internal/viewstate"
)

const defaultCompartmentColor = "#b0b0b0"

// MeshFetcher loads compartment mesh assets by static path.
type MeshFetcher interface {
	FetchCompartmentMesh(ctx context.Context, path string) (*model.Mesh, error)
}

// Config contains session settings.
type Config struct {
	BatchSize          int
	DefaultViewMode    viewstate.ViewMode
	DimOpacity         float64
	MeshVersion        string
	CompartmentOpacity float64
}

// Status is a read-only snapshot of the session's observables.
type Status struct {
	FetchCount          int
	FetchState          fetch.State
	FetchRunning        bool
	Requested           int
	Loading             int
	IsRendering         bool
	VisibleTracings     int
	VisibleCompartments int
}

// Session is one viewer session.
type Session struct {
	cfg   Config
	state *viewstate.Store
	queue *fetch.Queue

	tracings     *scene.Engine
	compartments *scene.Engine
	meshes       MeshFetcher
	catalog      map[string]model.Compartment

	desiredTracings     []string
	desiredCompartments []string

	subscribers map[int]func(Status)
	nextSub     int
	log         *slog.Logger
}

// New creates a session drawing into renderer.
func New(cfg Config, sched loop.Scheduler, fetcher fetch.Fetcher, meshes MeshFetcher, renderer scene.Renderer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompartmentOpacity <= 0 || cfg.CompartmentOpacity > 1 {
		cfg.CompartmentOpacity = 1
	}

	s := &Session{
		cfg: cfg,
		state: viewstate.NewStore(viewstate.Options{
			DefaultViewMode: cfg.DefaultViewMode,
			DimOpacity:      cfg.DimOpacity,
		}),
		meshes:      meshes,
		catalog:     make(map[string]model.Compartment),
		subscribers: make(map[int]func(Status)),
		log:         logger.With("component", "viewer"),
	}
	s.queue = fetch.New(fetch.Config{BatchSize: cfg.BatchSize}, sched, fetcher, queueHandler{s}, logger)
	s.tracings = scene.NewEngine("tracings", sched, renderer, logger)
	s.compartments = scene.NewEngine("compartments", sched, renderer, logger)
	s.tracings.Notify = s.publish
	s.compartments.Notify = s.publish
	return s
}

type queueHandler struct{ s *Session }

func (h queueHandler) Resolved(tracings []model.Tracing) {
	completed := h.s.state.MergeTracings(tracings)
	h.s.log.Debug("tracings merged", "tracings", len(tracings), "completed", len(completed))
	h.s.sync()
}

func (h queueHandler) Failed(ids []string, err error) {
	affected := h.s.state.FailTracings(ids)
	for _, id := range affected {
		h.s.queue.Remove(h.s.unresolvedTracings(id))
	}
	h.s.log.Warn("tracings could not be displayed", "tracings", len(ids), "neurons", affected, "error", err)
	h.s.sync()
}

// LoadNeurons adds view models for neurons of a query result. Known neurons keep their state.
func (s *Session) LoadNeurons(neurons []model.Neuron) {
	added := s.state.Load(neurons)
	s.log.Debug("neurons loaded", "received", len(neurons), "added", len(added))
	s.publish()
}

// Retain purges every neuron not in ids.
func (s *Session) Retain(ids []string) []string {
	purged := s.state.Retain(ids)
	if len(purged) > 0 {
		s.sync()
	}
	return purged
}

// SetCompartmentCatalog replaces the compartment metadata used for colors.
func (s *Session) SetCompartmentCatalog(compartments []model.Compartment) {
	s.catalog = make(map[string]model.Compartment, len(compartments))
	for _, c := range compartments {
		s.catalog[c.ID] = c
	}
	s.reconcileCompartments()
}

// RequestViewMode asks for mode on neuron id.
func (s *Session) RequestViewMode(id string, mode viewstate.ViewMode) error {
	if err := s.state.RequestViewMode(id, mode); err != nil {
		return err
	}
	s.sync()
	return nil
}

// CancelRequestedViewMode reverts neuron id to its last resolved mode.
func (s *Session) CancelRequestedViewMode(id string) error {
	pending := s.unresolvedTracings(id)
	if err := s.state.CancelRequestedViewMode(id); err != nil {
		return err
	}
	s.queue.Remove(pending)
	s.sync()
	return nil
}

// ToggleSelection selects or deselects neuron id.
func (s *Session) ToggleSelection(id string, selected bool) error {
	pending := s.unresolvedTracings(id)
	if err := s.state.ToggleSelection(id, selected); err != nil {
		return err
	}
	if !selected {
		s.queue.Remove(pending)
	}
	s.sync()
	return nil
}

// SetNeuronColor changes a neuron's color. Visible objects are rebuilt.
func (s *Session) SetNeuronColor(id, color string) error {
	if err := s.state.SetColor(id, color); err != nil {
		return err
	}
	s.sync()
	return nil
}

// SetNeuronMirror mirrors a neuron across the midline.
func (s *Session) SetNeuronMirror(id string, mirror bool) error {
	if err := s.state.SetMirror(id, mirror); err != nil {
		return err
	}
	s.sync()
	return nil
}

// SetHighlighted adds or removes a neuron from the highlight set.
func (s *Session) SetHighlighted(id string, highlighted bool) error {
	if err := s.state.SetHighlighted(id, highlighted); err != nil {
		return err
	}
	s.sync()
	return nil
}

// ClearHighlights empties the highlight set.
func (s *Session) ClearHighlights() {
	s.state.ClearHighlights()
	s.sync()
}

// SetFetchRunning pauses or resumes the fetch queue.
func (s *Session) SetFetchRunning(running bool) {
	s.queue.SetRunning(running)
	s.publish()
}

// CancelFetch drops every pending fetch and cancels every outstanding view-mode request.
func (s *Session) CancelFetch() {
	cleared := s.queue.CancelAll()
	cancelled := s.state.CancelAllRequests()
	s.log.Info("fetch cancelled", "pending", len(cleared), "neurons", len(cancelled))
	s.sync()
}

// ShowCompartments makes exactly ids visible as compartment meshes.
func (s *Session) ShowCompartments(ids []string) {
	s.desiredCompartments = append([]string(nil), ids...)
	s.reconcileCompartments()
}

// SetCompartmentVisible shows or hides one compartment.
func (s *Session) SetCompartmentVisible(id string, visible bool) {
	next := make([]string, 0, len(s.desiredCompartments)+1)
	found := false
	for _, c := range s.desiredCompartments {
		if c == id {
			found = true
			if !visible {
				continue
			}
		}
		next = append(next, c)
	}
	if visible && !found {
		next = append(next, id)
	}
	s.desiredCompartments = next
	s.reconcileCompartments()
}

// SetMeshVersion switches the active mesh set. Visible compartments are rebuilt from it.
func (s *Session) SetMeshVersion(version string) {
	if version == s.cfg.MeshVersion {
		return
	}
	s.cfg.MeshVersion = version
	s.reconcileCompartments()
}

// Reset tears the session down: pending fetches are dropped, every object is unloaded and
// every view model is forgotten.
func (s *Session) Reset() {
	s.queue.CancelAll()
	s.state.Reset()
	s.tracings.Reset()
	s.compartments.Reset()
	s.desiredTracings = nil
	s.desiredCompartments = nil
	s.publish()
}

// Close aborts the in-flight fetch.
func (s *Session) Close() {
	s.queue.Close()
}

func (s *Session) sync() {
	p := s.state.Partition()
	if len(p.Fetch) > 0 {
		s.queue.Enqueue(p.Fetch)
	}
	s.desiredTracings = p.Visible
	s.tracings.Reconcile(p.Visible, s.resolveTracing)
	s.publish()
}

func (s *Session) reconcileCompartments() {
	s.compartments.Reconcile(s.desiredCompartments, s.resolveCompartment)
	s.publish()
}

func (s *Session) unresolvedTracings(neuronID string) []string {
	n, ok := s.state.Neuron(neuronID)
	if !ok {
		return nil
	}
	var ids []string
	for _, tv := range n.Tracings {
		if !tv.Resolved() {
			ids = append(ids, tv.ID)
		}
	}
	return ids
}
