package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuronviewer/server/internal/cache"
	"github.com/neuronviewer/server/internal/meshstore"
	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/internal/render"
)

type fakeStore struct {
	mu       sync.Mutex
	tracings map[string]model.Tracing
	queries  [][]string
	neurons  int
	err      error
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{tracings: make(map[string]model.Tracing)}
	for _, id := range ids {
		s.tracings[id] = model.Tracing{
			ID:        id,
			NeuronID:  "n-" + id,
			Structure: model.StructureAxon,
			Nodes: []model.Node{
				{SampleNumber: 1, ParentNumber: -1},
				{SampleNumber: 2, X: 10, Y: 10, Z: 10, ParentNumber: 1},
			},
		}
	}
	return s
}

func (s *fakeStore) ListNeurons(context.Context) ([]model.Neuron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neurons++
	return []model.Neuron{{ID: "n1", Label: "one"}}, nil
}

func (s *fakeStore) GetTracings(_ context.Context, ids []string) ([]model.Tracing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, append([]string(nil), ids...))
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Tracing
	for _, id := range ids {
		if tr, ok := s.tracings[id]; ok {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *fakeStore) ListCompartments(context.Context) ([]model.Compartment, error) {
	return []model.Compartment{{ID: "997", Acronym: "root"}}, nil
}

func (s *fakeStore) UpsertCompartments(context.Context, []model.Compartment) error {
	return nil
}

func (s *fakeStore) DeleteNeuron(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tid, tr := range s.tracings {
		if tr.NeuronID == id {
			delete(s.tracings, tid)
		}
	}
	return nil
}

func newTestService(t *testing.T, store TracingStore, maxBatch int) *TracingService {
	t.Helper()
	cm, err := cache.NewManager(cache.Config{PayloadCacheSizeMB: 8, PayloadTTL: time.Minute, QueryCacheSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })
	return NewTracingService(TracingServiceConfig{
		Store:        store,
		Cache:        cm,
		Renderer:     render.NewPreviewRenderer(render.Config{PreviewSize: 32}),
		MaxBatchSize: maxBatch,
		LoadChunk:    2,
		Parallelism:  2,
	})
}

func TestTracingsPreservesOrderAndReportsMissing(t *testing.T) {
	store := newFakeStore("a", "b", "c")
	svc := newTestService(t, store, 0)

	batch, err := svc.Tracings(context.Background(), []string{"c", "x", "a", "c", "b"})
	require.NoError(t, err)

	var got []string
	for _, tr := range batch.Tracings {
		got = append(got, tr.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, got)
	assert.Equal(t, []string{"x"}, batch.Missing)
	assert.Equal(t, 3, batch.Timing.Loaded)
	assert.Zero(t, batch.Timing.CacheHits)
	assert.Len(t, store.queries, 2, "four distinct ids in chunks of two")
}

func TestTracingsServedFromCache(t *testing.T) {
	store := newFakeStore("a", "b")
	svc := newTestService(t, store, 0)
	ctx := context.Background()

	_, err := svc.Tracings(ctx, []string{"a"})
	require.NoError(t, err)
	batch, err := svc.Tracings(ctx, []string{"a", "b"})
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Timing.CacheHits)
	assert.Equal(t, 1, batch.Timing.Loaded)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, store.queries)

	svc.Invalidate([]string{"a"})
	batch, err = svc.Tracings(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Zero(t, batch.Timing.CacheHits)
}

func TestTracingsLimits(t *testing.T) {
	svc := newTestService(t, newFakeStore("a", "b", "c"), 2)
	ctx := context.Background()

	_, err := svc.Tracings(ctx, []string{"a", "b", "c"})
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	_, err = svc.Tracings(ctx, []string{"", ""})
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = svc.Tracings(ctx, []string{"a", "a", "b"})
	assert.NoError(t, err, "duplicates do not count against the limit")
}

func TestTracingsStoreError(t *testing.T) {
	store := newFakeStore("a")
	store.err = errors.New("database is locked")
	svc := newTestService(t, store, 0)

	_, err := svc.Tracings(context.Background(), []string{"a"})
	assert.ErrorContains(t, err, "database is locked")
}

func TestNeuronsCached(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		neurons, err := svc.Neurons(ctx)
		require.NoError(t, err)
		require.Len(t, neurons, 1)
		assert.Equal(t, "one", neurons[0].Label)
	}
	assert.Equal(t, 1, store.neurons)

	compartments, err := svc.Compartments(ctx)
	require.NoError(t, err)
	assert.Equal(t, "root", compartments[0].Acronym)
}

func TestDeleteNeuronPurgesQueries(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, 0)
	ctx := context.Background()

	require.NoError(t, svc.DeleteNeuron(ctx, "n1"))
	assert.ErrorIs(t, svc.DeleteNeuron(ctx, "missing"), ErrNotFound)

	// neurons listed once per delete, cache purged after the successful one
	assert.Equal(t, 2, store.neurons)

	assert.Error(t, svc.SetCompartments(ctx, []model.Compartment{{Acronym: "x"}}))
	require.NoError(t, svc.SetCompartments(ctx, []model.Compartment{{ID: "8", Acronym: "grey"}}))
}

func TestPreview(t *testing.T) {
	store := newFakeStore("a")
	svc := newTestService(t, store, 0)
	ctx := context.Background()

	data, err := svc.Preview(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])

	again, err := svc.Preview(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Len(t, store.queries, 1)

	_, err = svc.Preview(ctx, "missing", "plasma")
	assert.ErrorIs(t, err, ErrNotFound)
}

type countingMeshStore struct {
	*meshstore.Memory
	gets    atomic.Int32
	release chan struct{}
}

func (s *countingMeshStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.Memory.Get(ctx, key)
}

func TestMeshServiceCachesAndSharesLoads(t *testing.T) {
	store := &countingMeshStore{Memory: meshstore.NewMemory(), release: make(chan struct{})}
	require.NoError(t, store.Memory.Put(context.Background(), "v1/997.obj", []byte("v 0 0 0\n")))
	svc, err := NewMeshService(store, 4, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := svc.Get(context.Background(), "v1/997.obj")
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	for _, data := range results {
		assert.Equal(t, "v 0 0 0\n", string(data))
	}
	assert.LessOrEqual(t, store.gets.Load(), int32(4))

	before := store.gets.Load()
	_, err = svc.Get(context.Background(), "v1/997.obj")
	require.NoError(t, err)
	assert.Equal(t, before, store.gets.Load(), "second request served from memory")

	_, err = svc.Get(context.Background(), "v1/8.obj")
	assert.ErrorIs(t, err, meshstore.ErrNotFound)
}

func TestMeshServicePut(t *testing.T) {
	svc, err := NewMeshService(meshstore.NewMemory(), 0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, "v1/315.obj", []byte("v 1 2 3\n")))
	data, err := svc.Get(ctx, "v1/315.obj")
	require.NoError(t, err)
	assert.Equal(t, "v 1 2 3\n", string(data))

	keys, err := svc.List(ctx, "v1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1/315.obj"}, keys)
}
