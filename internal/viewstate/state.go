// Package viewstate holds per-neuron and per-tracing display state: selection, view modes,
// colors and the fetched geometry. It is session scoped and owned by the loop goroutine.
package viewstate

import (
	"errors"
	"fmt"

	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/pkg/colormap"
)

// ErrUnknownNeuron is returned for ids that are not part of the loaded result set.
var ErrUnknownNeuron = errors.New("unknown neuron")

// TracingViewModel is the display state of one tracing. Soma view models never need a fetch.
type TracingViewModel struct {
	ID         string
	NeuronID   string
	Structure  model.Structure
	Soma       model.Node
	Tracing    *model.Tracing
	NodeLookup map[int]model.Node
}

// Resolved reports whether the geometry is available without a fetch.
func (t *TracingViewModel) Resolved() bool {
	return t.Structure == model.StructureSoma || t.Tracing != nil
}

// NeuronViewModel is the display state of one neuron.
type NeuronViewModel struct {
	ID          string
	Label       string
	Selected    bool
	Color       string
	Mirror      bool
	Highlighted bool

	// CurrentViewMode is the last mode whose geometry is resolved.
	CurrentViewMode ViewMode
	// RequestedViewMode is non-nil exactly while a fetch for that mode is outstanding.
	RequestedViewMode *ViewMode

	Tracings map[model.Structure]*TracingViewModel

	preferred ViewMode
}

// Resolvable reports whether every tracing mode needs is already resolved.
func (n *NeuronViewModel) Resolvable(mode ViewMode) bool {
	for _, s := range mode.Structures() {
		if tv, ok := n.Tracings[s]; ok && !tv.Resolved() {
			return false
		}
	}
	return true
}

// SomaTracingID returns the id of a neuron's soma-only tracing view model.
func SomaTracingID(neuronID string) string {
	return neuronID + "/soma"
}

// Options configures a Store.
type Options struct {
	// DefaultViewMode is requested when a neuron is selected for the first time.
	DefaultViewMode ViewMode
	// DimOpacity is applied to neurons outside the highlight set while it is non-empty.
	DimOpacity float64
	// Palette assigns the initial color of the i-th neuron.
	Palette func(i int) string
}

// Store holds the view models of the current session.
type Store struct {
	opts        Options
	neurons     map[string]*NeuronViewModel
	order       []string
	tracings    map[string]*TracingViewModel
	highlighted int
	created     int
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.Palette == nil {
		opts.Palette = colormap.NeuronColor
	}
	if opts.DimOpacity <= 0 || opts.DimOpacity > 1 {
		opts.DimOpacity = 0.1
	}
	return &Store{
		opts:     opts,
		neurons:  make(map[string]*NeuronViewModel),
		tracings: make(map[string]*TracingViewModel),
	}
}

// Load creates view models for neurons seen for the first time and returns their ids.
// Existing view models keep their state.
func (s *Store) Load(neurons []model.Neuron) []string {
	var added []string
	for _, n := range neurons {
		if _, ok := s.neurons[n.ID]; ok {
			continue
		}
		nvm := &NeuronViewModel{
			ID:              n.ID,
			Label:           n.Label,
			Color:           s.opts.Palette(s.created),
			CurrentViewMode: ViewModeSoma,
			Tracings:        make(map[model.Structure]*TracingViewModel),
			preferred:       s.opts.DefaultViewMode,
		}
		s.created++

		for _, ts := range n.Tracings {
			tv := &TracingViewModel{ID: ts.ID, NeuronID: n.ID, Structure: ts.Structure, Soma: ts.Soma}
			nvm.Tracings[ts.Structure] = tv
			s.tracings[ts.ID] = tv
		}
		if soma, ok := n.Soma(); ok {
			tv := &TracingViewModel{ID: SomaTracingID(n.ID), NeuronID: n.ID, Structure: model.StructureSoma, Soma: soma}
			nvm.Tracings[model.StructureSoma] = tv
			s.tracings[tv.ID] = tv
		}

		s.neurons[n.ID] = nvm
		s.order = append(s.order, n.ID)
		added = append(added, n.ID)
	}
	return added
}

// Retain purges every neuron not in ids and returns the purged ids.
func (s *Store) Retain(ids []string) []string {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	var purged []string
	order := s.order[:0]
	for _, id := range s.order {
		if _, ok := keep[id]; ok {
			order = append(order, id)
			continue
		}
		n := s.neurons[id]
		for _, tv := range n.Tracings {
			delete(s.tracings, tv.ID)
		}
		if n.Highlighted {
			s.highlighted--
		}
		delete(s.neurons, id)
		purged = append(purged, id)
	}
	s.order = order
	return purged
}

// Reset forgets every view model.
func (s *Store) Reset() {
	s.neurons = make(map[string]*NeuronViewModel)
	s.tracings = make(map[string]*TracingViewModel)
	s.order = nil
	s.highlighted = 0
	s.created = 0
}

// Neuron returns the view model of id.
func (s *Store) Neuron(id string) (*NeuronViewModel, bool) {
	n, ok := s.neurons[id]
	return n, ok
}

// Tracing returns the tracing view model of id.
func (s *Store) Tracing(id string) (*TracingViewModel, bool) {
	tv, ok := s.tracings[id]
	return tv, ok
}

// Neurons returns the neuron ids in load order.
func (s *Store) Neurons() []string {
	return append([]string(nil), s.order...)
}

func (s *Store) neuron(id string) (*NeuronViewModel, error) {
	n, ok := s.neurons[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNeuron, id)
	}
	return n, nil
}
