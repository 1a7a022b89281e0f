// Package cache provides caching for tracing payloads, previews and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/neuronviewer/server/internal/model"
)

// Config contains cache configuration.
type Config struct {
	PayloadCacheSizeMB int
	PayloadTTL         time.Duration
	QueryCacheSize     int
}

// Manager manages payload and query caches. Tracing payloads are stored zstd-compressed.
type Manager struct {
	payloadCache *bigcache.BigCache
	queryCache   *lru.Cache[string, []byte]

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	// Configure payload cache
	payloadCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.PayloadTTL,
		CleanWindow:        cfg.PayloadTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       64 * 1024, // compressed tracing
		HardMaxCacheSize:   cfg.PayloadCacheSizeMB,
		Verbose:            false,
	}

	payloadCache, err := bigcache.New(context.Background(), payloadCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	// Create query cache
	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		payloadCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		payloadCache.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		payloadCache.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		payloadCache: payloadCache,
		queryCache:   queryCache,
		encoder:      encoder,
		decoder:      decoder,
	}, nil
}

// GetTracing retrieves a decoded tracing from cache.
func (m *Manager) GetTracing(id string) (*model.Tracing, bool) {
	data, err := m.payloadCache.Get(TracingKey(id))
	if err != nil {
		return nil, false
	}
	raw, err := m.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, false
	}
	var tr model.Tracing
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, false
	}
	return &tr, true
}

// SetTracing stores a tracing in cache.
func (m *Manager) SetTracing(tr *model.Tracing) error {
	raw, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encode tracing %s: %w", tr.ID, err)
	}
	return m.payloadCache.Set(TracingKey(tr.ID), m.encoder.EncodeAll(raw, nil))
}

// DeleteTracing drops a cached tracing. Previews expire on their own.
func (m *Manager) DeleteTracing(id string) {
	_ = m.payloadCache.Delete(TracingKey(id))
}

// GetPreview retrieves a rendered preview from cache.
func (m *Manager) GetPreview(key string) ([]byte, bool) {
	data, err := m.payloadCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPreview stores a rendered preview in cache.
func (m *Manager) SetPreview(key string, data []byte) error {
	return m.payloadCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// PurgeQueries drops every cached query result.
func (m *Manager) PurgeQueries() {
	m.queryCache.Purge()
}

// TracingKey generates a cache key for a tracing payload.
func TracingKey(id string) string {
	return "tracing:" + id
}

// PreviewKey generates a cache key for a tracing preview.
func PreviewKey(id string, size int, colormap string) string {
	return fmt.Sprintf("preview:%s:%d:%s", id, size, colormap)
}

// QueryKey generates a cache key for a query result. Parameters are order independent.
func QueryKey(kind string, params map[string]string) string {
	if len(params) == 0 {
		return "query:" + kind
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Hash parameters for cache key
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k + "=" + params[k] + ";"))
	}
	return "query:" + kind + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.payloadCache.Stats()
	return map[string]interface{}{
		"payload_cache_len":    m.payloadCache.Len(),
		"payload_cache_cap":    m.payloadCache.Capacity(),
		"payload_cache_hits":   stats.Hits,
		"payload_cache_misses": stats.Misses,
		"query_cache_len":      m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.decoder.Close()
	if err := m.encoder.Close(); err != nil {
		return err
	}
	return m.payloadCache.Close()
}

// IDsParam returns an order independent query parameter value for a set of ids.
func IDsParam(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
