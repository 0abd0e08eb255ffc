package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"waterlog/internal/identity"
	"waterlog/internal/logging"
	"waterlog/internal/services"
	"waterlog/internal/vectorindex"
)

// Index runs the indexing stage over the given media ids: every cached
// embedding vector whose label is not yet in the index is added. Media
// without a cache entry for the model are reported and skipped; indexing
// cannot invent vectors the embed stage never produced.
func (o *Orchestrator) Index(ctx context.Context, mediaIDs []string, settings IndexerSettings) error {
	model := settings.EmbeddingSource
	if model == "" {
		model = o.embedder.Identity()
		settings.EmbeddingSource = model
	}

	cache := o.cacheFor(model)
	if !cache.Exists() {
		return services.Wrap(services.ErrMissingEmbeddingCache, "index", "load cache", model, nil)
	}
	entries, err := cache.Load()
	if err != nil {
		return err
	}

	// One writer per model; the label map and graph must move together.
	unlock := o.inflight.lock("index:" + model)
	defer unlock()

	idx, err := o.loadOrCreateIndex(model, settings, dimsOf(entries))
	if err != nil {
		return err
	}

	added := 0
	for _, mediaID := range mediaIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := o.media.Resolve(ctx, mediaID)
		if err != nil {
			return err
		}
		if m == nil {
			o.logger.Warn("indexing skipped, media not found",
				slog.String(logging.FieldMediaID, mediaID))
			continue
		}

		entry, ok := entries[identity.EmbeddingCacheKey(m.ID, model)]
		if !ok {
			o.logger.Warn("indexing skipped, no cached embeddings",
				slog.String(logging.FieldMediaID, m.ID),
				slog.String(logging.FieldModel, model))
			continue
		}

		// Membership is checked per label, not per media: a partially
		// indexed track picks up exactly its missing vectors.
		for i, label := range entry.Labels {
			if idx.Contains(label) {
				continue
			}
			if err := idx.Add(entry.Vectors[i], label); err != nil {
				if !errors.Is(err, vectorindex.ErrCapacity) {
					return err
				}
				idx, err = o.growIndex(idx, model)
				if err != nil {
					return err
				}
				if err := idx.Add(entry.Vectors[i], label); err != nil {
					return err
				}
			}
			added++
		}
	}

	if err := o.saveIndex(idx, model, settings); err != nil {
		return err
	}
	o.logger.Info("index updated",
		slog.String(logging.FieldModel, model),
		slog.Int("added", added),
		slog.Int("total", idx.Len()))
	return o.settings.Save(ctx, RoleIndexer, settings.Family, settings)
}

// SearchResult is one semantic search hit, hydrated back to its media entry
// and caption cue.
type SearchResult struct {
	MediaID    string
	Title      string
	CaptionsID string
	SegmentID  int
	Start      float64
	Text       string
	Score      float32
}

// Search embeds the query and returns up to k nearest cues with their media
// context. Labels whose media no longer resolves are skipped; deleted media
// leave vectors behind until the next index rebuild, and those must never
// surface as results.
func (o *Orchestrator) Search(ctx context.Context, query string, k int, settings IndexerSettings) ([]SearchResult, error) {
	model := settings.EmbeddingSource
	if model == "" {
		model = o.embedder.Identity()
		settings.EmbeddingSource = model
	}

	idx, err := o.loadIndex(model, settings)
	if err != nil {
		return nil, err
	}

	vectors, err := o.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, services.Wrap(services.ErrExternalTool, "search", "embed query",
			fmt.Sprintf("%d vectors for one query", len(vectors)), nil)
	}

	// Overfetch to cover hits that hydrate to deleted media.
	matches, err := idx.KNN(vectors[0], k*2)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, k)
	for _, match := range matches {
		if len(results) == k {
			break
		}
		result, ok, err := o.hydrate(ctx, match)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, result)
		}
	}
	return results, nil
}

func (o *Orchestrator) hydrate(ctx context.Context, match vectorindex.Result) (SearchResult, bool, error) {
	label, err := identity.ParseLabel(match.Label)
	if err != nil {
		o.logger.Warn("dropping malformed index label",
			slog.String("label", match.Label), slog.Any("error", err))
		return SearchResult{}, false, nil
	}

	m, err := o.media.Resolve(ctx, label.MediaID)
	if err != nil {
		return SearchResult{}, false, err
	}
	if m == nil {
		return SearchResult{}, false, nil
	}
	track, err := o.captions.Get(ctx, label.CaptionsID)
	if err != nil {
		return SearchResult{}, false, err
	}
	if track == nil {
		return SearchResult{}, false, nil
	}

	text := ""
	for cue, err := range o.captions.Cues(*track) {
		if err != nil {
			o.logger.Warn("dropping hit with unreadable caption track",
				slog.String(logging.FieldCaptionsID, track.ID), slog.Any("error", err))
			return SearchResult{}, false, nil
		}
		if cue.Index == label.SegmentID {
			text = cue.Text
			break
		}
	}

	return SearchResult{
		MediaID:    m.ID,
		Title:      m.Title,
		CaptionsID: track.ID,
		SegmentID:  label.SegmentID,
		Start:      label.StartTimestamp,
		Text:       text,
		Score:      1 - match.Distance,
	}, true, nil
}

func (o *Orchestrator) indexPaths(model string, settings IndexerSettings) (string, string) {
	indexName, labelsName := vectorindex.FileNames(model, settings.ParamsID())
	return filepath.Join(o.libDir, indexName), filepath.Join(o.libDir, labelsName)
}

func (o *Orchestrator) indexKey(model string, settings IndexerSettings) string {
	return model + ":" + settings.ParamsID()
}

// loadIndex returns the in-memory index for a model, loading it from disk on
// first use. Missing files mean the index stage has never run.
func (o *Orchestrator) loadIndex(model string, settings IndexerSettings) (*vectorindex.Index, error) {
	o.indexMu.Lock()
	defer o.indexMu.Unlock()

	key := o.indexKey(model, settings)
	if idx, ok := o.indexes[key]; ok {
		return idx, nil
	}

	indexPath, labelsPath := o.indexPaths(model, settings)
	idx, err := vectorindex.Load(indexPath, labelsPath, settings.EfSearch)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.ErrNotFound, "index", "load",
				fmt.Sprintf("no index built for model %s", model), nil)
		}
		return nil, err
	}
	o.indexes[key] = idx
	return idx, nil
}

func (o *Orchestrator) loadOrCreateIndex(model string, settings IndexerSettings, dims int) (*vectorindex.Index, error) {
	idx, err := o.loadIndex(model, settings)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}
	if dims == 0 {
		dims = o.embedder.Dims()
	}

	idx, err = vectorindex.New(vectorindex.Params{
		Dims:           dims,
		M:              settings.M,
		EfConstruction: settings.EfConstruction,
		EfSearch:       settings.EfSearch,
		Capacity:       settings.MaxElements,
	})
	if err != nil {
		return nil, err
	}

	o.indexMu.Lock()
	o.indexes[o.indexKey(model, settings)] = idx
	o.indexMu.Unlock()
	return idx, nil
}

// growIndex rebuilds into a fresh index with at least ten times the current
// element count, preserving insertion order so persisted label positions stay
// stable.
func (o *Orchestrator) growIndex(old *vectorindex.Index, model string) (*vectorindex.Index, error) {
	newCapacity := (old.Len() + 1) * 10
	o.logger.Info("growing index",
		slog.String(logging.FieldModel, model),
		slog.Int("capacity", old.Capacity()),
		slog.Int("new_capacity", newCapacity))

	grown, err := old.Rebuild(newCapacity)
	if err != nil {
		return nil, err
	}
	return grown, nil
}

func (o *Orchestrator) saveIndex(idx *vectorindex.Index, model string, settings IndexerSettings) error {
	indexPath, labelsPath := o.indexPaths(model, settings)
	if err := idx.Save(indexPath, labelsPath); err != nil {
		return err
	}
	o.indexMu.Lock()
	o.indexes[o.indexKey(model, settings)] = idx
	o.indexMu.Unlock()
	return nil
}

func dimsOf(entries map[string]CacheEntry) int {
	for _, entry := range entries {
		for _, vec := range entry.Vectors {
			return len(vec)
		}
	}
	return 0
}
