package viewstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuronviewer/server/internal/model"
)

func testNeuron(id string) model.Neuron {
	soma := model.Node{SampleNumber: 1, StructureID: 1, X: 1, Y: 2, Z: 3, ParentNumber: -1}
	return model.Neuron{
		ID:    id,
		Label: "AA" + id,
		Tracings: []model.TracingSummary{
			{ID: id + "-axon", Structure: model.StructureAxon, Soma: soma},
			{ID: id + "-dendrite", Structure: model.StructureDendrite, Soma: soma},
		},
	}
}

func fetched(ids ...string) []model.Tracing {
	out := make([]model.Tracing, len(ids))
	for i, id := range ids {
		out[i] = model.Tracing{ID: id, Nodes: []model.Node{{SampleNumber: 1}, {SampleNumber: 2, ParentNumber: 1}}}
	}
	return out
}

func newTestStore(t *testing.T, ids ...string) *Store {
	t.Helper()
	s := NewStore(Options{DefaultViewMode: ViewModeAll})
	neurons := make([]model.Neuron, len(ids))
	for i, id := range ids {
		neurons[i] = testNeuron(id)
	}
	require.Equal(t, ids, s.Load(neurons))
	return s
}

func TestLoad_KeepsExistingState(t *testing.T) {
	s := newTestStore(t, "n1")
	require.NoError(t, s.SetColor("n1", "#000000"))

	added := s.Load([]model.Neuron{testNeuron("n1"), testNeuron("n2")})
	assert.Equal(t, []string{"n2"}, added)
	n, _ := s.Neuron("n1")
	assert.Equal(t, "#000000", n.Color)
	assert.Equal(t, ViewModeSoma, n.CurrentViewMode)

	tv, ok := s.Tracing(SomaTracingID("n2"))
	require.True(t, ok)
	assert.True(t, tv.Resolved())
}

func TestSelection_RequestsDefaultMode(t *testing.T) {
	s := newTestStore(t, "n1")
	require.NoError(t, s.ToggleSelection("n1", true))

	n, _ := s.Neuron("n1")
	require.NotNil(t, n.RequestedViewMode)
	assert.Equal(t, ViewModeAll, *n.RequestedViewMode)

	p := s.Partition()
	assert.Equal(t, []string{SomaTracingID("n1")}, p.Visible, "soma shows while the fetch is outstanding")
	assert.Equal(t, []string{"n1-axon", "n1-dendrite"}, p.Fetch)
}

func TestMergeTracings_CompletesRequest(t *testing.T) {
	s := newTestStore(t, "n1")
	require.NoError(t, s.ToggleSelection("n1", true))

	assert.Empty(t, s.MergeTracings(fetched("n1-axon")))
	n, _ := s.Neuron("n1")
	require.NotNil(t, n.RequestedViewMode)

	assert.Equal(t, []string{"n1"}, s.MergeTracings(fetched("n1-dendrite")))
	assert.Nil(t, n.RequestedViewMode)
	assert.Equal(t, ViewModeAll, n.CurrentViewMode)

	p := s.Partition()
	assert.Equal(t, []string{"n1-axon", "n1-dendrite"}, p.Visible)
	assert.Empty(t, p.Fetch)

	tv, _ := s.Tracing("n1-axon")
	assert.Len(t, tv.NodeLookup, 2)
}

func TestRequestViewMode_SomaResolvesImmediately(t *testing.T) {
	s := newTestStore(t, "n1")
	require.NoError(t, s.ToggleSelection("n1", true))
	require.NoError(t, s.RequestViewMode("n1", ViewModeSoma))

	n, _ := s.Neuron("n1")
	assert.Nil(t, n.RequestedViewMode)
	assert.Equal(t, ViewModeSoma, n.CurrentViewMode)
	assert.Empty(t, s.Partition().Fetch)
}

func TestRequestViewMode_FetchedModesNeedNoRequest(t *testing.T) {
	s := newTestStore(t, "n1")
	require.NoError(t, s.ToggleSelection("n1", true))
	s.MergeTracings(fetched("n1-axon", "n1-dendrite"))

	require.NoError(t, s.RequestViewMode("n1", ViewModeAxon))
	n, _ := s.Neuron("n1")
	assert.Nil(t, n.RequestedViewMode)
	assert.Equal(t, []string{"n1-axon"}, s.Partition().Visible)
}

func TestRequestViewMode_OverwritesPendingTarget(t *testing.T) {
	s := newTestStore(t, "n1")
	require.NoError(t, s.ToggleSelection("n1", true))
	require.NoError(t, s.RequestViewMode("n1", ViewModeAxon))
	require.NoError(t, s.RequestViewMode("n1", ViewModeDendrite))

	n, _ := s.Neuron("n1")
	require.NotNil(t, n.RequestedViewMode)
	assert.Equal(t, ViewModeDendrite, *n.RequestedViewMode)
	assert.Equal(t, 1, s.Requested())
}

func TestRequestViewMode_UnselectedWaitsForSelection(t *testing.T) {
	s := newTestStore(t, "n1")
	require.NoError(t, s.RequestViewMode("n1", ViewModeAxon))

	n, _ := s.Neuron("n1")
	assert.Nil(t, n.RequestedViewMode)
	assert.Zero(t, s.Requested())
	assert.Empty(t, s.Partition().Fetch)

	require.NoError(t, s.ToggleSelection("n1", true))
	require.NotNil(t, n.RequestedViewMode)
	assert.Equal(t, ViewModeAxon, *n.RequestedViewMode)
	assert.Equal(t, []string{"n1-axon"}, s.Partition().Fetch)
}

func TestRollback_ReselectRequestsDefaultMode(t *testing.T) {
	tests := []struct {
		name     string
		rollback func(t *testing.T, s *Store)
	}{
		{"fail", func(_ *testing.T, s *Store) { s.FailTracings([]string{"n1-axon"}) }},
		{"cancel", func(t *testing.T, s *Store) { require.NoError(t, s.CancelRequestedViewMode("n1")) }},
		{"cancel all", func(_ *testing.T, s *Store) { s.CancelAllRequests() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, "n1")
			require.NoError(t, s.ToggleSelection("n1", true))
			tt.rollback(t, s)

			require.NoError(t, s.ToggleSelection("n1", false))
			require.NoError(t, s.ToggleSelection("n1", true))
			n, _ := s.Neuron("n1")
			require.NotNil(t, n.RequestedViewMode)
			assert.Equal(t, ViewModeAll, *n.RequestedViewMode)
			assert.Equal(t, []string{"n1-axon", "n1-dendrite"}, s.Partition().Fetch)
		})
	}
}

func TestRollback_KeepsExplicitSoma(t *testing.T) {
	s := newTestStore(t, "n1")
	require.NoError(t, s.RequestViewMode("n1", ViewModeSoma))
	require.NoError(t, s.ToggleSelection("n1", true))

	n, _ := s.Neuron("n1")
	assert.Nil(t, n.RequestedViewMode)
	assert.Equal(t, ViewModeSoma, n.CurrentViewMode)
}

func TestCancelRequestedViewMode_RevertsToResolved(t *testing.T) {
	s := newTestStore(t, "n1", "n2")
	require.NoError(t, s.ToggleSelection("n1", true))
	require.NoError(t, s.ToggleSelection("n2", true))

	require.NoError(t, s.CancelRequestedViewMode("n1"))
	n1, _ := s.Neuron("n1")
	assert.Nil(t, n1.RequestedViewMode)
	assert.Equal(t, ViewModeSoma, n1.CurrentViewMode)

	assert.Equal(t, []string{"n2"}, s.CancelAllRequests())
	assert.Zero(t, s.Requested())
	assert.Empty(t, s.Partition().Fetch)
}

func TestFailTracings_RollsBackOwners(t *testing.T) {
	s := newTestStore(t, "n1", "n2", "n3")
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, s.ToggleSelection(id, true))
	}

	affected := s.FailTracings([]string{"n1-axon", "n2-dendrite", "n1-dendrite"})
	assert.Equal(t, []string{"n1", "n2"}, affected)
	for _, id := range affected {
		n, _ := s.Neuron(id)
		assert.Nil(t, n.RequestedViewMode)
		assert.False(t, n.Selected)
	}
	n3, _ := s.Neuron("n3")
	assert.True(t, n3.Selected)
	assert.NotNil(t, n3.RequestedViewMode)
}

func TestFingerprintAndOpacity(t *testing.T) {
	s := newTestStore(t, "n1", "n2")

	before, ok := s.Fingerprint("n1-axon")
	require.True(t, ok)
	require.NoError(t, s.SetMirror("n1", true))
	after, _ := s.Fingerprint("n1-axon")
	assert.NotEqual(t, before, after)

	assert.Equal(t, 1.0, s.Opacity("n2-axon"))
	require.NoError(t, s.SetHighlighted("n1", true))
	assert.Equal(t, 1.0, s.Opacity("n1-axon"))
	assert.Equal(t, 0.1, s.Opacity("n2-axon"))
	s.ClearHighlights()
	assert.Equal(t, 1.0, s.Opacity("n2-axon"))

	_, ok = s.Fingerprint("nope")
	assert.False(t, ok)
}

func TestRetainAndReset(t *testing.T) {
	s := newTestStore(t, "n1", "n2")
	require.NoError(t, s.SetHighlighted("n2", true))

	assert.Equal(t, []string{"n2"}, s.Retain([]string{"n1"}))
	assert.Equal(t, []string{"n1"}, s.Neurons())
	_, ok := s.Tracing("n2-axon")
	assert.False(t, ok)
	assert.Equal(t, 1.0, s.Opacity("n1-axon"))

	s.Reset()
	assert.Empty(t, s.Neurons())
	assert.ErrorIs(t, s.ToggleSelection("n1", true), ErrUnknownNeuron)
}

func TestParseViewMode(t *testing.T) {
	for _, m := range []ViewMode{ViewModeAll, ViewModeAxon, ViewModeDendrite, ViewModeSoma} {
		got, err := ParseViewMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseViewMode("spine")
	assert.Error(t, err)
}
