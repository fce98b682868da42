// Package cache provides caching for decoded Zarr chunks.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	// ChunkCacheSizeMB caps the memory held by decoded fixed-width chunks.
	ChunkCacheSizeMB int
	ChunkTTL         time.Duration
	// StringChunkEntries is the number of decoded string chunks kept.
	StringChunkEntries int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		ChunkCacheSizeMB:   256,
		ChunkTTL:           10 * time.Minute,
		StringChunkEntries: 1024,
	}
}

// Manager manages the decoded chunk caches. A nil *Manager is valid and
// caches nothing.
type Manager struct {
	chunkCache  *bigcache.BigCache
	stringCache *lru.Cache[string, []string]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	defaults := DefaultConfig()
	if cfg.ChunkCacheSizeMB <= 0 {
		cfg.ChunkCacheSizeMB = defaults.ChunkCacheSizeMB
	}
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = defaults.ChunkTTL
	}
	if cfg.StringChunkEntries <= 0 {
		cfg.StringChunkEntries = defaults.StringChunkEntries
	}

	// Fewer, larger shards than a tile cache: chunks are hundreds of KB.
	chunkCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ChunkTTL,
		CleanWindow:        cfg.ChunkTTL / 2,
		MaxEntriesInWindow: 4096,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.ChunkCacheSizeMB,
		Verbose:            false,
	}

	chunkCache, err := bigcache.New(context.Background(), chunkCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	stringCache, err := lru.New[string, []string](cfg.StringChunkEntries)
	if err != nil {
		chunkCache.Close()
		return nil, fmt.Errorf("failed to create string chunk cache: %w", err)
	}

	return &Manager{
		chunkCache:  chunkCache,
		stringCache: stringCache,
	}, nil
}

// GetChunk retrieves a decoded chunk. The returned slice is a copy.
func (m *Manager) GetChunk(key string) ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	data, err := m.chunkCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetChunk stores a decoded chunk. Chunks larger than a cache shard are
// silently not cached.
func (m *Manager) SetChunk(key string, data []byte) {
	if m == nil {
		return
	}
	_ = m.chunkCache.Set(key, data)
}

// GetStrings retrieves a decoded string chunk. Callers must not modify it.
func (m *Manager) GetStrings(key string) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	return m.stringCache.Get(key)
}

// SetStrings stores a decoded string chunk.
func (m *Manager) SetStrings(key string, values []string) {
	if m == nil {
		return
	}
	m.stringCache.Add(key, values)
}

// ChunkKey generates a cache key for one chunk of an array in a store.
func ChunkKey(store, array, chunk string) string {
	return fmt.Sprintf("chunk:%s|%s|%s", store, array, chunk)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	s := m.chunkCache.Stats()
	return map[string]interface{}{
		"chunk_cache_len":    m.chunkCache.Len(),
		"chunk_cache_cap":    m.chunkCache.Capacity(),
		"chunk_cache_hits":   s.Hits,
		"chunk_cache_misses": s.Misses,
		"string_cache_len":   m.stringCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	return m.chunkCache.Close()
}
