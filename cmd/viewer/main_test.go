package main

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuronviewer/server/internal/loop"
	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/internal/scene"
	"github.com/neuronviewer/server/internal/viewer"
	"github.com/neuronviewer/server/internal/viewstate"
)

// blockingFetcher holds every request until its context is cancelled.
type blockingFetcher struct {
	started   chan struct{}
	cancelled atomic.Bool
}

func (f *blockingFetcher) FetchTracingGeometry(ctx context.Context, _ []string) (*model.TracingBatch, error) {
	close(f.started)
	<-ctx.Done()
	f.cancelled.Store(true)
	return nil, ctx.Err()
}

func (f *blockingFetcher) FetchCompartmentMesh(context.Context, string) (*model.Mesh, error) {
	return nil, context.Canceled
}

func TestFinishAfterInterrupt(t *testing.T) {
	l := loop.New()
	loopDone := make(chan error, 1)
	go func() { loopDone <- l.Run(context.Background()) }()

	fetcher := &blockingFetcher{started: make(chan struct{})}
	renderer := scene.NewHeadlessRenderer(nil)
	soma := model.Node{SampleNumber: 1, ParentNumber: -1}
	neuron := model.Neuron{ID: "n1", Tracings: []model.TracingSummary{
		{ID: "n1-axon", Structure: model.StructureAxon, Soma: soma},
	}}

	ctx, interrupt := context.WithCancel(context.Background())
	var session *viewer.Session
	var selectErr error
	require.NoError(t, l.Call(ctx, func() {
		session = viewer.New(viewer.Config{DefaultViewMode: viewstate.ViewModeAxon}, l, fetcher, fetcher, renderer, nil)
		session.LoadNeurons([]model.Neuron{neuron})
		selectErr = session.ToggleSelection("n1", true)
	}))
	require.NoError(t, selectErr)
	<-fetcher.started
	interrupt()

	st, err := finish(l, loopDone, session, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Requested)
	assert.Equal(t, 1, st.VisibleTracings, "soma shows while the request is outstanding")
	assert.True(t, fetcher.cancelled.Load(), "closing the session aborts the in-flight fetch")

	var out bytes.Buffer
	printScene(&out, st, renderer.Objects())
	assert.Contains(t, out.String(), "visible tracings: 1")
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitIDs(" a, ,b,"))
	assert.Empty(t, splitIDs(""))
}
