package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	allowedTranscriberFamilies = map[string]struct{}{"whisper": {}}
	allowedEmbedderFamilies    = map[string]struct{}{"openai": {}}
	allowedIndexerFamilies     = map[string]struct{}{"hnsw": {}}
)

// Validate checks the configuration for values the rest of the system cannot
// work with. It returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must not be empty")
	}
	if c.Paths.Library == "" {
		return errors.New("paths.library must not be empty")
	}
	if strings.ContainsAny(c.Paths.Library, "/\\") {
		return fmt.Errorf("paths.library %q must be a bare directory name", c.Paths.Library)
	}

	if _, ok := allowedTranscriberFamilies[c.Transcriber.Family]; !ok {
		return fmt.Errorf("transcriber.family %q is not supported", c.Transcriber.Family)
	}
	if _, ok := allowedEmbedderFamilies[c.Embedder.Family]; !ok {
		return fmt.Errorf("embedder.family %q is not supported", c.Embedder.Family)
	}
	if _, ok := allowedIndexerFamilies[c.Indexer.Family]; !ok {
		return fmt.Errorf("indexer.family %q is not supported", c.Indexer.Family)
	}

	if c.Transcriber.Model == "" {
		return errors.New("transcriber.model must not be empty")
	}
	if c.Embedder.Model == "" {
		return errors.New("embedder.model must not be empty")
	}

	if c.Indexer.M <= 0 {
		return fmt.Errorf("indexer.m must be positive, got %d", c.Indexer.M)
	}
	if c.Indexer.EfConstruction <= 0 {
		return fmt.Errorf("indexer.ef_construction must be positive, got %d", c.Indexer.EfConstruction)
	}
	if c.Indexer.EfSearch <= 0 {
		return fmt.Errorf("indexer.ef_search must be positive, got %d", c.Indexer.EfSearch)
	}
	if c.Indexer.MaxElements <= 0 {
		return fmt.Errorf("indexer.max_elements must be positive, got %d", c.Indexer.MaxElements)
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}

	return nil
}
