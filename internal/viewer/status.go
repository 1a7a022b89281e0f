package viewer

import (
	"github.com/neuronviewer/server/internal/viewstate"
)

// CurrentViewMode returns the last resolved mode of neuron id.
func (s *Session) CurrentViewMode(id string) (viewstate.ViewMode, error) {
	n, ok := s.state.Neuron(id)
	if !ok {
		return 0, viewstate.ErrUnknownNeuron
	}
	return n.CurrentViewMode, nil
}

// RequestedViewMode returns the outstanding requested mode of neuron id, or nil when resolved.
func (s *Session) RequestedViewMode(id string) (*viewstate.ViewMode, error) {
	n, ok := s.state.Neuron(id)
	if !ok {
		return nil, viewstate.ErrUnknownNeuron
	}
	if n.RequestedViewMode == nil {
		return nil, nil
	}
	m := *n.RequestedViewMode
	return &m, nil
}

// Selected reports whether neuron id is selected.
func (s *Session) Selected(id string) bool {
	n, ok := s.state.Neuron(id)
	return ok && n.Selected
}

// FetchCount returns the number of tracing ids waiting in the fetch queue.
func (s *Session) FetchCount() int {
	return s.queue.Pending()
}

// IsRendering reports whether geometry is being fetched or objects are being created.
func (s *Session) IsRendering() bool {
	return s.queue.InFlight() || s.queue.Pending() > 0 ||
		s.tracings.Loading() > 0 || s.compartments.Loading() > 0
}

// VisibleTracings returns the tracing ids that the last sync made visible.
func (s *Session) VisibleTracings() []string {
	return append([]string(nil), s.desiredTracings...)
}

// CompartmentFailure returns the last mesh load error of compartment id.
func (s *Session) CompartmentFailure(id string) error {
	return s.compartments.Failure(id)
}

// Status returns a snapshot of the session's observables.
func (s *Session) Status() Status {
	return Status{
		FetchCount:          s.queue.Pending(),
		FetchState:          s.queue.State(),
		FetchRunning:        s.queue.Running(),
		Requested:           s.state.Requested(),
		Loading:             s.tracings.Loading() + s.compartments.Loading(),
		IsRendering:         s.IsRendering(),
		VisibleTracings:     len(s.desiredTracings),
		VisibleCompartments: len(s.desiredCompartments),
	}
}

// Subscribe registers fn to receive a Status after every change. It returns a function
// that removes the subscription.
func (s *Session) Subscribe(fn func(Status)) func() {
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() { delete(s.subscribers, id) }
}

func (s *Session) publish() {
	if len(s.subscribers) == 0 {
		return
	}
	st := s.Status()
	for _, fn := range s.subscribers {
		fn(st)
	}
}
