package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuronviewer/server/internal/model"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestFetchTracingGeometry(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tracings", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var req model.TracingRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, []string{"t1", "t2"}, req.IDs)

		json.NewEncoder(w).Encode(model.TracingBatch{
			Tracings: []model.Tracing{{ID: "t1", Nodes: []model.Node{{SampleNumber: 1, ParentNumber: -1}}}},
			Missing:  []string{"t2"},
		})
	})

	batch, err := c.FetchTracingGeometry(context.Background(), []string{"t1", "t2"})
	require.NoError(t, err)
	require.Len(t, batch.Tracings, 1)
	assert.Equal(t, -1, batch.Tracings[0].Nodes[0].ParentNumber)
	assert.Equal(t, []string{"t2"}, batch.Missing)
}

func TestFetchTracingGeometryStatus(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "batch too large", http.StatusRequestEntityTooLarge)
	})

	_, err := c.FetchTracingGeometry(context.Background(), []string{"t1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusRequestEntityTooLarge, se.Code)
	assert.Equal(t, "batch too large", se.Body)
}

func TestFetchNeuronsAndCompartments(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/neurons":
			json.NewEncoder(w).Encode([]model.Neuron{{ID: "n1", Tracings: []model.TracingSummary{{ID: "t1", Structure: model.StructureAxon}}}})
		case "/api/compartments":
			json.NewEncoder(w).Encode([]model.Compartment{{ID: "997", Acronym: "root"}})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	neurons, err := c.FetchNeurons(ctx)
	require.NoError(t, err)
	require.Len(t, neurons, 1)
	assert.Equal(t, model.StructureAxon, neurons[0].Tracings[0].Structure)

	compartments, err := c.FetchCompartments(ctx)
	require.NoError(t, err)
	assert.Equal(t, "root", compartments[0].Acronym)
}

func TestFetchCompartmentMesh(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/meshes/ccf2017/997.obj" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("v 0 0 0\n"))
	})
	ctx := context.Background()

	mesh, err := c.FetchCompartmentMesh(ctx, model.MeshPath("ccf2017", "997"))
	require.NoError(t, err)
	assert.Equal(t, "ccf2017/997.obj", mesh.Path)
	assert.Equal(t, "v 0 0 0\n", string(mesh.Data))

	_, err = c.FetchCompartmentMesh(ctx, model.MeshPath("ccf2017", "8"))
	assert.ErrorIs(t, err, ErrStatus)
}

func TestBaseURLWithPath(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Path
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/viewer/"})
	require.NoError(t, err)
	_, err = c.FetchNeurons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/viewer/api/neurons", seen)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestContextCancelled(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchTracingGeometry(ctx, []string{"t1"})
	assert.ErrorIs(t, err, context.Canceled)
}
