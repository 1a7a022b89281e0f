package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/neuronviewer/server/internal/meshstore"
	"github.com/neuronviewer/server/internal/metrics"
)

// MeshService serves compartment meshes from a mesh store. Concurrent requests for the same
// mesh share one store read, and recently served meshes are kept in memory.
type MeshService struct {
	store meshstore.Store
	cache *lru.Cache[string, []byte]
	group singleflight.Group
	log   *slog.Logger
}

// NewMeshService creates a mesh service keeping up to cacheEntries meshes in memory.
func NewMeshService(store meshstore.Store, cacheEntries int, logger *slog.Logger) (*MeshService, error) {
	if cacheEntries <= 0 {
		cacheEntries = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	c, err := lru.New[string, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create mesh cache: %w", err)
	}
	return &MeshService{store: store, cache: c, log: logger.With("component", "meshes")}, nil
}

// Get returns the mesh stored at key.
func (s *MeshService) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := s.cache.Get(key); ok {
		metrics.MeshRequestsTotal.WithLabelValues("hit").Inc()
		return data, nil
	}

	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		if errors.Is(err, meshstore.ErrNotFound) {
			metrics.MeshRequestsTotal.WithLabelValues("not_found").Inc()
		} else {
			metrics.MeshRequestsTotal.WithLabelValues("error").Inc()
			s.log.Warn("mesh load failed", "key", key, "error", err)
		}
		return nil, err
	}
	metrics.MeshRequestsTotal.WithLabelValues("miss").Inc()
	if shared {
		s.log.Debug("mesh load shared", "key", key)
	}
	return v.([]byte), nil
}

// Put stores a mesh and refreshes the in-memory copy.
func (s *MeshService) Put(ctx context.Context, key string, data []byte) error {
	if err := s.store.Put(ctx, key, data); err != nil {
		return err
	}
	s.cache.Add(key, data)
	return nil
}

// List returns the stored mesh keys under prefix.
func (s *MeshService) List(ctx context.Context, prefix string) ([]string, error) {
	return s.store.List(ctx, prefix)
}
