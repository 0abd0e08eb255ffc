package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"waterlog/internal/captions"
	"waterlog/internal/config"
	"waterlog/internal/identity"
	"waterlog/internal/logging"
	"waterlog/internal/media"
	"waterlog/internal/services"
	"waterlog/internal/services/whisper"
	"waterlog/internal/store"
	"waterlog/internal/vectorindex"
)

// TranscriptionEngine turns an audio file into a VTT caption track.
type TranscriptionEngine interface {
	Transcribe(ctx context.Context, req whisper.Request) error
}

// Embedder is an order-preserving batch embedding engine.
type Embedder interface {
	Identity() string
	Dims() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Orchestrator drives the transcribe, embed, and index stages.
type Orchestrator struct {
	cfg         *config.Config
	media       *media.Catalog
	captions    *captions.Catalog
	transcriber TranscriptionEngine
	embedder    Embedder
	models      *ModelManager
	settings    *SettingsStore
	libDir      string
	logger      *slog.Logger

	cacheMu sync.Mutex
	caches  map[string]*EmbeddingCache

	indexMu sync.Mutex
	indexes map[string]*vectorindex.Index

	inflight keyedMutex
}

// New wires an orchestrator over the given catalogs and engines.
func New(cfg *config.Config, st *store.Store, mediaCat *media.Catalog, capsCat *captions.Catalog,
	transcriber TranscriptionEngine, embedder Embedder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:         cfg,
		media:       mediaCat,
		captions:    capsCat,
		transcriber: transcriber,
		embedder:    embedder,
		models:      NewModelManager(cfg.Pipeline.KeepModelsInMemory),
		settings:    NewSettingsStore(st),
		libDir:      st.LibraryDir(),
		logger:      logger,
		caches:      make(map[string]*EmbeddingCache),
		indexes:     make(map[string]*vectorindex.Index),
	}
}

// Models exposes the model resource manager.
func (o *Orchestrator) Models() *ModelManager {
	return o.models
}

// Settings exposes the persisted settings store.
func (o *Orchestrator) Settings() *SettingsStore {
	return o.settings
}

// TranscribeOptions control the transcription stage.
type TranscribeOptions struct {
	Settings TranscriberSettings
	// IgnoreCaptioned skips media that already carry any caption track,
	// generated or platform-provided.
	IgnoreCaptioned bool
}

// Transcribe runs the transcription stage over the given media ids. Per-media
// failures are logged and skipped; fatal configuration errors abort.
func (o *Orchestrator) Transcribe(ctx context.Context, mediaIDs []string, opts TranscribeOptions) error {
	for _, id := range mediaIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.transcribeOne(ctx, id, opts); err != nil {
			if services.Fatal(err) {
				return err
			}
			o.logger.Warn("transcription skipped",
				slog.String(logging.FieldMediaID, id), slog.Any("error", err))
		}
	}
	return nil
}

func (o *Orchestrator) transcribeOne(ctx context.Context, mediaID string, opts TranscribeOptions) error {
	m, err := o.media.Resolve(ctx, mediaID)
	if err != nil {
		return err
	}
	if m == nil {
		return services.Wrap(services.ErrNotFound, "transcribe", "resolve", mediaID, nil)
	}

	if opts.IgnoreCaptioned {
		has, err := o.media.Captioned(ctx, m.ID)
		if err != nil {
			return err
		}
		if has {
			o.logger.Info("media already captioned, skipping",
				slog.String(logging.FieldMediaID, m.ID))
			return nil
		}
	}

	capID, err := identity.CaptionsID(m.ID, opts.Settings)
	if err != nil {
		return err
	}

	// Collapse concurrent runs of the same (media, settings) pair.
	unlock := o.inflight.lock("transcribe:" + capID)
	defer unlock()

	existing, err := o.captions.Get(ctx, capID)
	if err != nil {
		return err
	}
	if existing != nil {
		o.logger.Info("captions already exist for these settings, skipping",
			slog.String(logging.FieldMediaID, m.ID),
			slog.String(logging.FieldCaptionsID, capID))
		return nil
	}

	engine := opts.Settings.Identity()
	handle, err := o.models.Acquire(engine, func() (any, error) { return engine, nil })
	if err != nil {
		return err
	}
	defer handle.Release()

	lang := opts.Settings.Language
	if lang == "" {
		lang = "auto"
	}
	fileName := fmt.Sprintf("captions::%s::%s::%s.vtt", engine, lang, capID)
	loc := filepath.Join(m.DirName(), fileName)

	o.logger.Info("transcribing",
		slog.String(logging.FieldMediaID, m.ID),
		slog.String(logging.FieldCaptionsID, capID),
		slog.String(logging.FieldModel, opts.Settings.Model))

	err = o.transcriber.Transcribe(ctx, whisper.Request{
		AudioPath:   o.media.AbsolutePath(*m),
		OutputPath:  filepath.Join(o.libDir, loc),
		Model:       opts.Settings.Model,
		Task:        opts.Settings.Task,
		Language:    opts.Settings.Language,
		Temperature: opts.Settings.Temperature,
		BestOf:      opts.Settings.BestOf,
		BeamSize:    opts.Settings.BeamSize,
	})
	if err != nil {
		return err
	}

	canonical, err := opts.Settings.Canonical()
	if err != nil {
		return err
	}
	track := captions.Captions{
		ID:       capID,
		MediaID:  m.ID,
		Loc:      loc,
		Format:   "vtt",
		Kind:     captions.KindTranscription,
		Lang:     lang,
		By:       engine,
		Settings: json.RawMessage(canonical),
	}
	if err := o.captions.Create(ctx, track); err != nil {
		return err
	}
	return o.settings.Save(ctx, RoleTranscriber, opts.Settings.Family, opts.Settings)
}

// EmbedOptions control the embedding stage.
type EmbedOptions struct {
	// Overwrite recomputes embeddings even when the cache already holds the
	// (media, model) pair.
	Overwrite bool
}

// Embed runs the embedding stage over the given media ids using the wired
// embedder. Media without caption tracks are skipped.
func (o *Orchestrator) Embed(ctx context.Context, mediaIDs []string, opts EmbedOptions) error {
	for _, id := range mediaIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.embedOne(ctx, id, opts); err != nil {
			if services.Fatal(err) {
				return err
			}
			o.logger.Warn("embedding skipped",
				slog.String(logging.FieldMediaID, id), slog.Any("error", err))
		}
	}
	return nil
}

func (o *Orchestrator) embedOne(ctx context.Context, mediaID string, opts EmbedOptions) error {
	m, err := o.media.Resolve(ctx, mediaID)
	if err != nil {
		return err
	}
	if m == nil {
		return services.Wrap(services.ErrNotFound, "embed", "resolve", mediaID, nil)
	}

	track, err := o.captions.Latest(ctx, m.ID, true)
	if err != nil {
		return err
	}
	if track == nil {
		o.logger.Info("no caption tracks to embed, skipping",
			slog.String(logging.FieldMediaID, m.ID))
		return nil
	}

	model := o.embedder.Identity()
	key := identity.EmbeddingCacheKey(m.ID, model)
	cache := o.cacheFor(model)

	unlock := o.inflight.lock("embed:" + key)
	defer unlock()

	if !opts.Overwrite {
		cached, err := cache.Contains(key)
		if err != nil {
			return err
		}
		if cached {
			o.logger.Info("embeddings already cached, skipping",
				slog.String(logging.FieldMediaID, m.ID),
				slog.String(logging.FieldModel, model))
			return nil
		}
	}

	var texts []string
	var labels []string
	for cue, err := range o.captions.Cues(*track) {
		if err != nil {
			return err
		}
		if cue.Text == "" {
			continue
		}
		texts = append(texts, cue.Text)
		labels = append(labels, identity.IndexLabel(m.ID, track.ID, cue.Index, cue.Start))
	}
	if len(texts) == 0 {
		o.logger.Info("caption track has no text, skipping",
			slog.String(logging.FieldMediaID, m.ID),
			slog.String(logging.FieldCaptionsID, track.ID))
		return nil
	}

	handle, err := o.models.Acquire(model, func() (any, error) { return model, nil })
	if err != nil {
		return err
	}
	defer handle.Release()

	o.logger.Info("embedding",
		slog.String(logging.FieldMediaID, m.ID),
		slog.String(logging.FieldCaptionsID, track.ID),
		slog.String(logging.FieldModel, model),
		slog.Int("cues", len(texts)))

	vectors, err := o.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(texts) {
		return services.Wrap(services.ErrExternalTool, "embed", "verify",
			fmt.Sprintf("%d vectors for %d cues", len(vectors), len(texts)), nil)
	}

	if err := cache.Put(key, CacheEntry{
		MediaID:    m.ID,
		CaptionsID: track.ID,
		Model:      model,
		Labels:     labels,
		Vectors:    vectors,
	}); err != nil {
		return err
	}
	return o.settings.Save(ctx, RoleEmbedder, o.cfg.Embedder.Family,
		EmbedderSettings{Family: o.cfg.Embedder.Family, Model: model})
}

// ProcessOptions control a full pipeline run.
type ProcessOptions struct {
	Transcriber     TranscriberSettings
	Indexer         IndexerSettings
	IgnoreCaptioned bool
	Overwrite       bool
}

// Process runs transcribe, embed, and index in order over the given media.
func (o *Orchestrator) Process(ctx context.Context, mediaIDs []string, opts ProcessOptions) error {
	runID := uuid.NewString()
	o.logger.Info("pipeline run starting",
		slog.String(logging.FieldRunID, runID), slog.Int("media", len(mediaIDs)))

	if err := o.Transcribe(ctx, mediaIDs, TranscribeOptions{
		Settings:        opts.Transcriber,
		IgnoreCaptioned: opts.IgnoreCaptioned,
	}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.Embed(ctx, mediaIDs, EmbedOptions{Overwrite: opts.Overwrite}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.Index(ctx, mediaIDs, opts.Indexer); err != nil {
		// A run where nothing got embedded has no cache to index. That is
		// worth a warning, not a failed run.
		if !errors.Is(err, services.ErrMissingEmbeddingCache) {
			return err
		}
		o.logger.Warn("indexing skipped, no embeddings cached",
			slog.String(logging.FieldRunID, runID), slog.Any("error", err))
	}
	o.logger.Info("pipeline run complete", slog.String(logging.FieldRunID, runID))
	return nil
}

func (o *Orchestrator) cacheFor(model string) *EmbeddingCache {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	cache, ok := o.caches[model]
	if !ok {
		cache = NewEmbeddingCache(o.libDir, model)
		o.caches[model] = cache
	}
	return cache
}

// keyedMutex serializes work per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
