package viewstate

import (
	"fmt"

	"github.com/neuronviewer/server/internal/model"
)

// RequestViewMode asks for mode on neuron id. A resolvable mode applies immediately;
// otherwise it becomes the requested mode, replacing any earlier pending target. An
// unselected neuron only remembers mode for its next selection.
func (s *Store) RequestViewMode(id string, mode ViewMode) error {
	n, err := s.neuron(id)
	if err != nil {
		return err
	}
	n.preferred = mode
	if n.Resolvable(mode) {
		n.CurrentViewMode = mode
		n.RequestedViewMode = nil
		return nil
	}
	if !n.Selected {
		n.RequestedViewMode = nil
		return nil
	}
	m := mode
	n.RequestedViewMode = &m
	return nil
}

// CompleteViewModeRequest makes the requested mode current.
func (s *Store) CompleteViewModeRequest(id string) error {
	n, err := s.neuron(id)
	if err != nil {
		return err
	}
	if n.RequestedViewMode != nil {
		n.CurrentViewMode = *n.RequestedViewMode
		n.RequestedViewMode = nil
	}
	return nil
}

// CancelRequestedViewMode reverts neuron id to its last resolved mode.
func (s *Store) CancelRequestedViewMode(id string) error {
	n, err := s.neuron(id)
	if err != nil {
		return err
	}
	s.revert(n)
	return nil
}

// CancelAllRequests cancels every outstanding request and returns the affected neuron ids.
func (s *Store) CancelAllRequests() []string {
	var cancelled []string
	for _, id := range s.order {
		n := s.neurons[id]
		if n.RequestedViewMode == nil {
			continue
		}
		s.revert(n)
		cancelled = append(cancelled, id)
	}
	return cancelled
}

// revert drops the pending request of n. The next selection asks for the mode n shows now,
// or for the default mode when only the soma is resolved.
func (s *Store) revert(n *NeuronViewModel) {
	n.RequestedViewMode = nil
	n.preferred = n.CurrentViewMode
	if n.CurrentViewMode == ViewModeSoma {
		n.preferred = s.opts.DefaultViewMode
	}
}

// ToggleSelection selects or deselects neuron id. Selecting requests the neuron's preferred
// mode when it is not already current; deselecting drops a pending request.
func (s *Store) ToggleSelection(id string, selected bool) error {
	n, err := s.neuron(id)
	if err != nil {
		return err
	}
	n.Selected = selected
	if !selected {
		n.RequestedViewMode = nil
		return nil
	}
	if n.RequestedViewMode == nil && n.preferred != n.CurrentViewMode {
		return s.RequestViewMode(id, n.preferred)
	}
	return nil
}

// SetColor changes the display color of neuron id.
func (s *Store) SetColor(id, color string) error {
	n, err := s.neuron(id)
	if err != nil {
		return err
	}
	n.Color = color
	return nil
}

// SetMirror toggles mirroring of neuron id across the midline.
func (s *Store) SetMirror(id string, mirror bool) error {
	n, err := s.neuron(id)
	if err != nil {
		return err
	}
	n.Mirror = mirror
	return nil
}

// SetHighlighted adds or removes neuron id from the highlight set.
func (s *Store) SetHighlighted(id string, highlighted bool) error {
	n, err := s.neuron(id)
	if err != nil {
		return err
	}
	if n.Highlighted == highlighted {
		return nil
	}
	n.Highlighted = highlighted
	if highlighted {
		s.highlighted++
	} else {
		s.highlighted--
	}
	return nil
}

// ClearHighlights empties the highlight set.
func (s *Store) ClearHighlights() {
	for _, n := range s.neurons {
		n.Highlighted = false
	}
	s.highlighted = 0
}

// MergeTracings installs fetched geometry and completes every requested mode that became
// resolvable. It returns the ids of the completed neurons.
func (s *Store) MergeTracings(tracings []model.Tracing) []string {
	touched := make(map[string]struct{})
	var order []string
	for i := range tracings {
		tr := tracings[i]
		tv, ok := s.tracings[tr.ID]
		if !ok || tv.Structure == model.StructureSoma {
			continue
		}
		lookup := make(map[int]model.Node, len(tr.Nodes))
		for _, node := range tr.Nodes {
			lookup[node.SampleNumber] = node
		}
		tv.Tracing = &tr
		tv.NodeLookup = lookup
		if _, seen := touched[tv.NeuronID]; !seen {
			touched[tv.NeuronID] = struct{}{}
			order = append(order, tv.NeuronID)
		}
	}

	var completed []string
	for _, id := range order {
		n, ok := s.neurons[id]
		if !ok || n.RequestedViewMode == nil {
			continue
		}
		if n.Resolvable(*n.RequestedViewMode) {
			n.CurrentViewMode = *n.RequestedViewMode
			n.RequestedViewMode = nil
			completed = append(completed, id)
		}
	}
	return completed
}

// FailTracings rolls back the neurons owning ids: their request is dropped and they are
// deselected. It returns the affected neuron ids.
func (s *Store) FailTracings(ids []string) []string {
	seen := make(map[string]struct{})
	var affected []string
	for _, id := range ids {
		tv, ok := s.tracings[id]
		if !ok {
			continue
		}
		if _, dup := seen[tv.NeuronID]; dup {
			continue
		}
		seen[tv.NeuronID] = struct{}{}
		n, ok := s.neurons[tv.NeuronID]
		if !ok {
			continue
		}
		s.revert(n)
		n.Selected = false
		affected = append(affected, n.ID)
	}
	return affected
}

// Partition lists the tracings that must be visible now and those still to be fetched.
type Partition struct {
	Visible []string
	Fetch   []string
}

// Partition computes the desired visible set from the selected neurons' current modes, and
// the unresolved tracings their requested modes need.
func (s *Store) Partition() Partition {
	var p Partition
	for _, id := range s.order {
		n := s.neurons[id]
		if !n.Selected {
			continue
		}
		for _, st := range n.CurrentViewMode.Structures() {
			if tv, ok := n.Tracings[st]; ok && tv.Resolved() {
				p.Visible = append(p.Visible, tv.ID)
			}
		}
		if n.RequestedViewMode == nil {
			continue
		}
		for _, st := range n.RequestedViewMode.Structures() {
			if tv, ok := n.Tracings[st]; ok && !tv.Resolved() {
				p.Fetch = append(p.Fetch, tv.ID)
			}
		}
	}
	return p
}

// Fingerprint summarizes the attributes of tracing id that are baked into its scene object.
func (s *Store) Fingerprint(id string) (string, bool) {
	tv, ok := s.tracings[id]
	if !ok {
		return "", false
	}
	n, ok := s.neurons[tv.NeuronID]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s|%s|%t|%t", tv.Structure, n.Color, n.Mirror, tv.Tracing != nil), true
}

// Opacity returns the opacity of tracing id given the current highlight set.
func (s *Store) Opacity(id string) float64 {
	tv, ok := s.tracings[id]
	if !ok || s.highlighted == 0 {
		return 1
	}
	if n, ok := s.neurons[tv.NeuronID]; ok && n.Highlighted {
		return 1
	}
	return s.opts.DimOpacity
}

// Requested returns the number of neurons with an outstanding view-mode request.
func (s *Store) Requested() int {
	count := 0
	for _, n := range s.neurons {
		if n.RequestedViewMode != nil {
			count++
		}
	}
	return count
}
