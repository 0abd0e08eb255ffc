package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"waterlog/internal/fileutil"
)

// cacheDirName holds the per-model embedding cache files under the library.
const cacheDirName = ".embeddings"

// CacheEntry holds the embeddings computed for one (media, model) pair.
// Labels and vectors are parallel slices in cue order.
type CacheEntry struct {
	MediaID    string      `json:"media_id"`
	CaptionsID string      `json:"captions_id"`
	Model      string      `json:"model"`
	Labels     []string    `json:"labels"`
	Vectors    [][]float32 `json:"vectors"`
	Created    string      `json:"created"`
}

// EmbeddingCache is the per-model embedding store, one JSON file per model
// identity. Mutations are read-modify-write cycles guarded by an in-process
// mutex and a file lock, so concurrent embedders of the same model cannot
// lose each other's entries.
type EmbeddingCache struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewEmbeddingCache returns the cache for one model identity under libDir.
func NewEmbeddingCache(libDir, model string) *EmbeddingCache {
	path := filepath.Join(libDir, cacheDirName, model+".json")
	return &EmbeddingCache{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Exists reports whether the cache file is present on disk.
func (c *EmbeddingCache) Exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// Load reads the whole cache. A missing file is an empty cache.
func (c *EmbeddingCache) Load() (map[string]CacheEntry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]CacheEntry{}, nil
		}
		return nil, fmt.Errorf("read embedding cache: %w", err)
	}
	entries := map[string]CacheEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse embedding cache %s: %w", c.path, err)
	}
	return entries, nil
}

// Contains reports whether a cache key is present.
func (c *EmbeddingCache) Contains(key string) (bool, error) {
	entries, err := c.Load()
	if err != nil {
		return false, err
	}
	_, ok := entries[key]
	return ok, nil
}

// Get returns the entry for a cache key.
func (c *EmbeddingCache) Get(key string) (CacheEntry, bool, error) {
	entries, err := c.Load()
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry, ok := entries[key]
	return entry, ok, nil
}

// Put stores an entry under its cache key, replacing any previous value.
func (c *EmbeddingCache) Put(key string, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("ensure cache directory: %w", err)
	}
	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("lock embedding cache: %w", err)
	}
	defer func() { _ = c.lock.Unlock() }()

	entries, err := c.Load()
	if err != nil {
		return err
	}
	if entry.Created == "" {
		entry.Created = time.Now().UTC().Format(time.RFC3339Nano)
	}
	entries[key] = entry

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode embedding cache: %w", err)
	}
	return fileutil.WriteFileAtomic(c.path, data, 0o644)
}
