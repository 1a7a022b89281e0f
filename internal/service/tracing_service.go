// Package service provides business logic for the geometry server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/neuronviewer/server/internal/cache"
	"github.com/neuronviewer/server/internal/metrics"
	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/internal/render"
)

var (
	// ErrNotFound is returned for tracings that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrBatchTooLarge is returned when a batch asks for more ids than allowed.
	ErrBatchTooLarge = errors.New("batch too large")
	// ErrEmptyBatch is returned when a batch names no ids.
	ErrEmptyBatch = errors.New("empty batch")
)

// TracingStore is the persistence the tracing service reads from.
type TracingStore interface {
	ListNeurons(ctx context.Context) ([]model.Neuron, error)
	GetTracings(ctx context.Context, ids []string) ([]model.Tracing, error)
	ListCompartments(ctx context.Context) ([]model.Compartment, error)
	UpsertCompartments(ctx context.Context, compartments []model.Compartment) error
	DeleteNeuron(ctx context.Context, id string) error
}

// TracingServiceConfig contains tracing service configuration.
type TracingServiceConfig struct {
	Store    TracingStore
	Cache    *cache.Manager
	Renderer *render.PreviewRenderer
	Logger   *slog.Logger

	// MaxBatchSize caps the ids of one request. Zero means unlimited.
	MaxBatchSize int
	// LoadChunk is the number of ids read from the store per query.
	LoadChunk int
	// Parallelism bounds concurrent store queries of one batch.
	Parallelism int
}

// TracingService serves neuron metadata, tracing geometry and previews.
type TracingService struct {
	store        TracingStore
	cache        *cache.Manager
	renderer     *render.PreviewRenderer
	log          *slog.Logger
	maxBatchSize int
	loadChunk    int
	parallelism  int
}

// NewTracingService creates a new tracing service.
func NewTracingService(cfg TracingServiceConfig) *TracingService {
	if cfg.LoadChunk <= 0 {
		cfg.LoadChunk = 25
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TracingService{
		store:        cfg.Store,
		cache:        cfg.Cache,
		renderer:     cfg.Renderer,
		log:          cfg.Logger.With("component", "tracings"),
		maxBatchSize: cfg.MaxBatchSize,
		loadChunk:    cfg.LoadChunk,
		parallelism:  cfg.Parallelism,
	}
}

// Neurons returns every neuron with its soma-bearing tracing summaries.
func (s *TracingService) Neurons(ctx context.Context) ([]model.Neuron, error) {
	key := cache.QueryKey("neurons", nil)
	if data, ok := s.cache.GetQuery(key); ok {
		var neurons []model.Neuron
		if err := json.Unmarshal(data, &neurons); err == nil {
			return neurons, nil
		}
	}

	neurons, err := s.store.ListNeurons(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list neurons: %w", err)
	}
	if neurons == nil {
		neurons = []model.Neuron{}
	}
	if data, err := json.Marshal(neurons); err == nil {
		s.cache.SetQuery(key, data)
	}
	return neurons, nil
}

// Compartments returns the compartment catalog.
func (s *TracingService) Compartments(ctx context.Context) ([]model.Compartment, error) {
	key := cache.QueryKey("compartments", nil)
	if data, ok := s.cache.GetQuery(key); ok {
		var compartments []model.Compartment
		if err := json.Unmarshal(data, &compartments); err == nil {
			return compartments, nil
		}
	}

	compartments, err := s.store.ListCompartments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list compartments: %w", err)
	}
	if compartments == nil {
		compartments = []model.Compartment{}
	}
	if data, err := json.Marshal(compartments); err == nil {
		s.cache.SetQuery(key, data)
	}
	return compartments, nil
}

// SetCompartments stores compartment catalog entries, replacing entries with the same id.
func (s *TracingService) SetCompartments(ctx context.Context, compartments []model.Compartment) error {
	for _, c := range compartments {
		if c.ID == "" {
			return errors.New("compartment id is required")
		}
	}
	if err := s.store.UpsertCompartments(ctx, compartments); err != nil {
		return fmt.Errorf("failed to store compartments: %w", err)
	}
	s.cache.PurgeQueries()
	return nil
}

// DeleteNeuron removes a neuron and drops its cached tracings.
func (s *TracingService) DeleteNeuron(ctx context.Context, id string) error {
	neurons, err := s.Neurons(ctx)
	if err != nil {
		return err
	}
	var tracingIDs []string
	found := false
	for _, n := range neurons {
		if n.ID != id {
			continue
		}
		found = true
		for _, t := range n.Tracings {
			tracingIDs = append(tracingIDs, t.ID)
		}
	}
	if !found {
		return fmt.Errorf("neuron %s: %w", id, ErrNotFound)
	}

	if err := s.store.DeleteNeuron(ctx, id); err != nil {
		return fmt.Errorf("failed to delete neuron %s: %w", id, err)
	}
	s.Invalidate(tracingIDs)
	s.log.Info("neuron deleted", "neuron", id, "tracings", len(tracingIDs))
	return nil
}

// Tracings returns the geometry of ids in request order. Unknown ids are listed in Missing.
func (s *TracingService) Tracings(ctx context.Context, ids []string) (*model.TracingBatch, error) {
	started := time.Now()

	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}
	if s.maxBatchSize > 0 && len(ids) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: %d ids, limit %d", ErrBatchTooLarge, len(ids), s.maxBatchSize)
	}
	metrics.TracingBatchSize.Observe(float64(len(ids)))

	found := make(map[string]*model.Tracing, len(ids))
	var misses []string
	for _, id := range ids {
		if tr, ok := s.cache.GetTracing(id); ok {
			found[id] = tr
			continue
		}
		misses = append(misses, id)
	}
	hits := len(found)

	loaded, err := s.load(ctx, misses)
	if err != nil {
		return nil, err
	}
	for i := range loaded {
		tr := &loaded[i]
		found[tr.ID] = tr
		if err := s.cache.SetTracing(tr); err != nil {
			s.log.Debug("tracing not cached", "id", tr.ID, "error", err)
		}
	}

	batch := &model.TracingBatch{Tracings: make([]model.Tracing, 0, len(found))}
	for _, id := range ids {
		if tr, ok := found[id]; ok {
			batch.Tracings = append(batch.Tracings, *tr)
		} else {
			batch.Missing = append(batch.Missing, id)
		}
	}
	batch.Timing = model.Timing{
		Started:   started,
		Finished:  time.Now(),
		CacheHits: hits,
		Loaded:    len(loaded),
	}

	metrics.TracingsServedTotal.WithLabelValues("cache").Add(float64(hits))
	metrics.TracingsServedTotal.WithLabelValues("store").Add(float64(len(loaded)))
	s.log.Debug("batch served",
		"requested", len(ids),
		"cache_hits", hits,
		"loaded", len(loaded),
		"missing", len(batch.Missing),
		"elapsed", batch.Timing.Elapsed())
	return batch, nil
}

// load reads ids from the store in chunks, running at most parallelism queries at once.
func (s *TracingService) load(ctx context.Context, ids []string) ([]model.Tracing, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	var mu sync.Mutex
	var loaded []model.Tracing
	for start := 0; start < len(ids); start += s.loadChunk {
		end := start + s.loadChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		g.Go(func() error {
			tracings, err := s.store.GetTracings(gctx, chunk)
			if err != nil {
				return fmt.Errorf("failed to load tracings: %w", err)
			}
			mu.Lock()
			loaded = append(loaded, tracings...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// Tracing returns a single tracing.
func (s *TracingService) Tracing(ctx context.Context, id string) (*model.Tracing, error) {
	batch, err := s.Tracings(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(batch.Tracings) == 0 {
		return nil, fmt.Errorf("tracing %s: %w", id, ErrNotFound)
	}
	return &batch.Tracings[0], nil
}

// Preview returns a PNG projection of tracing id.
func (s *TracingService) Preview(ctx context.Context, id, colormapName string) ([]byte, error) {
	colormapName = s.renderer.ColormapName(colormapName)
	key := cache.PreviewKey(id, s.renderer.Size(), colormapName)
	if data, ok := s.cache.GetPreview(key); ok {
		return data, nil
	}

	tr, err := s.Tracing(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := s.renderer.RenderTracing(tr, colormapName)
	if err != nil {
		return nil, fmt.Errorf("failed to render preview: %w", err)
	}

	// Cache result
	s.cache.SetPreview(key, data)

	return data, nil
}

// Invalidate drops cached data after tracings were imported or replaced.
func (s *TracingService) Invalidate(tracingIDs []string) {
	for _, id := range tracingIDs {
		s.cache.DeleteTracing(id)
	}
	s.cache.PurgeQueries()
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
