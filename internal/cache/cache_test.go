package cache

import (
	"testing"
	"time"

	"github.com/neuronviewer/server/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{PayloadCacheSizeMB: 8, PayloadTTL: time.Minute, QueryCacheSize: 4})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestTracingRoundTrip(t *testing.T) {
	m := newTestManager(t)

	if _, ok := m.GetTracing("t1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	tr := &model.Tracing{
		ID:        "t1",
		NeuronID:  "n1",
		Structure: model.StructureAxon,
		Nodes: []model.Node{
			{SampleNumber: 1, StructureID: 2, X: 1.5, Y: 2.5, Z: 3.5, Radius: 0.5, ParentNumber: -1},
			{SampleNumber: 2, StructureID: 2, X: 2, Y: 3, Z: 4, Radius: 0.25, ParentNumber: 1},
		},
	}
	if err := m.SetTracing(tr); err != nil {
		t.Fatalf("SetTracing: %v", err)
	}

	got, ok := m.GetTracing("t1")
	if !ok {
		t.Fatal("expected hit after SetTracing")
	}
	if got.NeuronID != "n1" || len(got.Nodes) != 2 || got.Nodes[1].ParentNumber != 1 {
		t.Fatalf("unexpected tracing: %+v", got)
	}

	m.DeleteTracing("t1")
	if _, ok := m.GetTracing("t1"); ok {
		t.Fatal("expected miss after DeleteTracing")
	}
}

func TestQueryCacheEvictsOldest(t *testing.T) {
	m := newTestManager(t)

	for i, key := range []string{"a", "b", "c", "d", "e"} {
		m.SetQuery(key, []byte{byte(i)})
	}
	if _, ok := m.GetQuery("a"); ok {
		t.Fatal("expected oldest query to be evicted")
	}
	if data, ok := m.GetQuery("e"); !ok || data[0] != 4 {
		t.Fatalf("expected newest query, got %v %v", data, ok)
	}

	m.PurgeQueries()
	if _, ok := m.GetQuery("e"); ok {
		t.Fatal("expected empty query cache after purge")
	}
}

func TestQueryKey(t *testing.T) {
	t.Run("noParams", func(t *testing.T) {
		if got := QueryKey("neurons", nil); got != "query:neurons" {
			t.Fatalf("unexpected key %q", got)
		}
	})

	t.Run("orderIndependent", func(t *testing.T) {
		key1 := QueryKey("neurons", map[string]string{"a": "1", "b": "2"})
		key2 := QueryKey("neurons", map[string]string{"b": "2", "a": "1"})
		if key1 != key2 {
			t.Fatalf("expected stable key, got %q vs %q", key1, key2)
		}
		if key1 == QueryKey("neurons", map[string]string{"a": "1", "b": "3"}) {
			t.Fatal("expected different values to produce different keys")
		}
	})

	t.Run("idsParam", func(t *testing.T) {
		if IDsParam([]string{"b", "a"}) != IDsParam([]string{"a", "b"}) {
			t.Fatal("expected order independent ids")
		}
	})
}

func TestPreviewKey(t *testing.T) {
	if got := PreviewKey("t1", 256, "viridis"); got != "preview:t1:256:viridis" {
		t.Fatalf("unexpected key %q", got)
	}
}
