package pipeline_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"waterlog/internal/captions"
	"waterlog/internal/config"
	"waterlog/internal/identity"
	"waterlog/internal/logging"
	"waterlog/internal/media"
	"waterlog/internal/pipeline"
	"waterlog/internal/services"
	"waterlog/internal/services/whisper"
	"waterlog/internal/store"
	"waterlog/internal/testsupport"
)

// fakeTranscriber writes a fixed three-cue VTT track and counts runs. Setting
// vtt overrides the track body.
type fakeTranscriber struct {
	calls atomic.Int64
	err   error
	vtt   string
}

const fakeVTT = `WEBVTT

00:00:00.000 --> 00:00:02.000
the quick brown fox

00:00:02.000 --> 00:00:04.000
jumps over the lazy dog

00:00:04.000 --> 00:00:06.000
and lands on soft grass
`

func (f *fakeTranscriber) Transcribe(_ context.Context, req whisper.Request) error {
	if f.err != nil {
		return f.err
	}
	f.calls.Add(1)
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return err
	}
	body := f.vtt
	if body == "" {
		body = fakeVTT
	}
	return os.WriteFile(req.OutputPath, []byte(body), 0o644)
}

// fakeEmbedder derives a deterministic unit-length vector from each text, so
// identical texts embed identically and search round trips exactly.
type fakeEmbedder struct {
	calls atomic.Int64
}

func (f *fakeEmbedder) Identity() string { return "fake-embed" }
func (f *fakeEmbedder) Dims() int        { return 8 }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		v := make([]float32, 8)
		for j := range v {
			v[j] = float32(sum[j]) - 127.5
		}
		out[i] = v
	}
	return out, nil
}

type fakeProber struct{}

func (fakeProber) Probe(context.Context, string) (media.ProbeResult, error) {
	return media.ProbeResult{Duration: 10, Filesize: 13, HasVideo: false}, nil
}

type env struct {
	cfg         *config.Config
	store       *store.Store
	media       *media.Catalog
	captions    *captions.Catalog
	transcriber *fakeTranscriber
	embedder    *fakeEmbedder
	orch        *pipeline.Orchestrator
	libDir      string
}

func newEnv(t *testing.T, mutate ...func(*config.Config)) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	for _, fn := range mutate {
		fn(cfg)
	}

	st := testsupport.MustOpenStore(t, cfg)

	caps := captions.NewCatalog(st, logging.NewNop())
	mediaCat := media.NewCatalog(st, caps, nil, fakeProber{}, logging.NewNop())
	transcriber := &fakeTranscriber{}
	embedder := &fakeEmbedder{}
	orch := pipeline.New(cfg, st, mediaCat, caps, transcriber, embedder, logging.NewNop())

	return &env{
		cfg:         cfg,
		store:       st,
		media:       mediaCat,
		captions:    caps,
		transcriber: transcriber,
		embedder:    embedder,
		orch:        orch,
		libDir:      cfg.LibraryDir(),
	}
}

// addMedia ingests a local file and returns its entry.
func (e *env) addMedia(t *testing.T, name string) media.Media {
	t.Helper()
	src := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(src, []byte("audio payload"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	added, err := e.media.Add(context.Background(), []string{src}, media.FetchOptions{})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(added) != 1 {
		t.Fatalf("added %d entries", len(added))
	}
	return added[0]
}

func (e *env) transcriberSettings() pipeline.TranscriberSettings {
	return pipeline.TranscriberSettingsFromConfig(e.cfg)
}

func (e *env) indexerSettings() pipeline.IndexerSettings {
	s := pipeline.IndexerSettingsFromConfig(e.cfg)
	s.EmbeddingSource = e.embedder.Identity()
	return s
}

func TestTranscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")

	opts := pipeline.TranscribeOptions{Settings: e.transcriberSettings()}
	if err := e.orch.Transcribe(ctx, []string{m.ID}, opts); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if err := e.orch.Transcribe(ctx, []string{m.ID}, opts); err != nil {
		t.Fatalf("second Transcribe failed: %v", err)
	}

	if got := e.transcriber.calls.Load(); got != 1 {
		t.Fatalf("engine ran %d times, want 1", got)
	}
	tracks, err := e.captions.All(ctx, m.ID)
	if err != nil {
		t.Fatalf("captions.All failed: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(tracks))
	}

	wantID, err := identity.CaptionsID(m.ID, opts.Settings)
	if err != nil {
		t.Fatalf("CaptionsID failed: %v", err)
	}
	if tracks[0].ID != wantID {
		t.Fatalf("track id = %q, want settings-derived %q", tracks[0].ID, wantID)
	}
	if tracks[0].Kind != captions.KindTranscription {
		t.Fatalf("kind = %q", tracks[0].Kind)
	}
}

func TestTranscribeChangedSettingsMakesNewTrack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")

	base := e.transcriberSettings()
	if err := e.orch.Transcribe(ctx, []string{m.ID}, pipeline.TranscribeOptions{Settings: base}); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	changed := base
	changed.Language = "de"
	if err := e.orch.Transcribe(ctx, []string{m.ID}, pipeline.TranscribeOptions{Settings: changed}); err != nil {
		t.Fatalf("second Transcribe failed: %v", err)
	}

	tracks, err := e.captions.All(ctx, m.ID)
	if err != nil {
		t.Fatalf("captions.All failed: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d, want one per settings variant", len(tracks))
	}
}

func TestTranscribeIgnoreCaptioned(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")

	sidecar := captions.Captions{
		ID: "side1", MediaID: m.ID,
		Loc:  filepath.Join(m.DirName(), "subs.vtt"),
		Kind: captions.KindSubtitles, Lang: "en",
	}
	if err := e.captions.Create(ctx, sidecar); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := e.orch.Transcribe(ctx, []string{m.ID}, pipeline.TranscribeOptions{
		Settings:        e.transcriberSettings(),
		IgnoreCaptioned: true,
	})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got := e.transcriber.calls.Load(); got != 0 {
		t.Fatalf("engine ran %d times for already-captioned media", got)
	}
}

func TestEmbedCachesPerModelIdentity(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")
	if err := e.orch.Transcribe(ctx, []string{m.ID}, pipeline.TranscribeOptions{Settings: e.transcriberSettings()}); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if err := e.orch.Embed(ctx, []string{m.ID}, pipeline.EmbedOptions{}); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if err := e.orch.Embed(ctx, []string{m.ID}, pipeline.EmbedOptions{}); err != nil {
		t.Fatalf("second Embed failed: %v", err)
	}
	if got := e.embedder.calls.Load(); got != 1 {
		t.Fatalf("embedder ran %d times, want 1", got)
	}

	if err := e.orch.Embed(ctx, []string{m.ID}, pipeline.EmbedOptions{Overwrite: true}); err != nil {
		t.Fatalf("overwrite Embed failed: %v", err)
	}
	if got := e.embedder.calls.Load(); got != 2 {
		t.Fatalf("embedder ran %d times after overwrite, want 2", got)
	}

	cache := pipeline.NewEmbeddingCache(e.libDir, e.embedder.Identity())
	key := identity.EmbeddingCacheKey(m.ID, e.embedder.Identity())
	entry, ok, err := cache.Get(key)
	if err != nil || !ok {
		t.Fatalf("cache entry missing: %v %v", ok, err)
	}
	if len(entry.Labels) != 3 || len(entry.Vectors) != 3 {
		t.Fatalf("cache entry shape: %d labels, %d vectors", len(entry.Labels), len(entry.Vectors))
	}
}

func TestIndexWithoutCacheIsReported(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")

	err := e.orch.Index(ctx, []string{m.ID}, e.indexerSettings())
	if !errors.Is(err, services.ErrMissingEmbeddingCache) {
		t.Fatalf("expected ErrMissingEmbeddingCache, got %v", err)
	}
}

func TestProcessCompletesWhenNothingToEmbed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.transcriber.vtt = "WEBVTT\n"
	m := e.addMedia(t, "silent.mp3")

	err := e.orch.Process(ctx, []string{m.ID}, pipeline.ProcessOptions{
		Transcriber: e.transcriberSettings(),
		Indexer:     e.indexerSettings(),
	})
	if err != nil {
		t.Fatalf("Process failed on a run with no embeddable cues: %v", err)
	}

	// Nothing was indexed, so search reports the absent index.
	if _, err := e.orch.Search(ctx, "anything", 3, e.indexerSettings()); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from search without an index, got %v", err)
	}
}

func TestIndexMembershipIsPerLabel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")
	runStages(t, e, m.ID)

	idxSettings := e.indexerSettings()
	if err := e.orch.Index(ctx, []string{m.ID}, idxSettings); err != nil {
		t.Fatalf("second Index failed: %v", err)
	}

	results, err := e.orch.Search(ctx, "the quick brown fox", 5, idxSettings)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	seen := map[string]int{}
	for _, r := range results {
		seen[fmt.Sprintf("%s:%d", r.CaptionsID, r.SegmentID)]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Fatalf("segment %s indexed %d times", key, n)
		}
	}
}

func TestIndexGrowsPastDeclaredCapacity(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Indexer.MaxElements = 2
	})
	m := e.addMedia(t, "talk_one.mp3")
	// Three cues against a capacity of two forces a growth rebuild.
	runStages(t, e, m.ID)

	results, err := e.orch.Search(ctx, "and lands on soft grass", 3, e.indexerSettings())
	if err != nil {
		t.Fatalf("Search after growth failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want all three cues indexed", len(results))
	}
}

func TestSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")

	err := e.orch.Process(ctx, []string{m.ID}, pipeline.ProcessOptions{
		Transcriber: e.transcriberSettings(),
		Indexer:     e.indexerSettings(),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	results, err := e.orch.Search(ctx, "jumps over the lazy dog", 1, e.indexerSettings())
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	hit := results[0]
	if hit.Text != "jumps over the lazy dog" {
		t.Fatalf("hit text = %q", hit.Text)
	}
	if hit.MediaID != m.ID || hit.Title != m.Title {
		t.Fatalf("hit not hydrated to media: %+v", hit)
	}
	if hit.Score < 0.99 {
		t.Fatalf("score = %v for exact query, want >= 0.99", hit.Score)
	}
	if hit.Start != 2.0 {
		t.Fatalf("hit start = %v, want cue start", hit.Start)
	}
}

func TestSearchSkipsDeletedMedia(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m1 := e.addMedia(t, "talk_one.mp3")
	m2 := e.addMedia(t, "talk_two.mp3")
	runStages(t, e, m1.ID, m2.ID)

	if err := e.media.Delete(ctx, m1.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	results, err := e.orch.Search(ctx, "the quick brown fox", 4, e.indexerSettings())
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results from surviving media")
	}
	for _, r := range results {
		if r.MediaID == m1.ID {
			t.Fatalf("deleted media surfaced in results: %+v", r)
		}
	}
}

func TestStagesStopOnCancelledContext(t *testing.T) {
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.orch.Transcribe(ctx, []string{m.ID}, pipeline.TranscribeOptions{Settings: e.transcriberSettings()}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Transcribe = %v, want context.Canceled", err)
	}
	if got := e.transcriber.calls.Load(); got != 0 {
		t.Fatalf("engine ran %d times under cancelled context", got)
	}
}

func TestModelManagerHonorsKeepToggle(t *testing.T) {
	ctx := context.Background()

	evicting := newEnv(t)
	m := evicting.addMedia(t, "talk_one.mp3")
	if err := evicting.orch.Transcribe(ctx, []string{m.ID}, pipeline.TranscribeOptions{Settings: evicting.transcriberSettings()}); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if loaded := evicting.orch.Models().Loaded(); len(loaded) != 0 {
		t.Fatalf("models resident without keep toggle: %v", loaded)
	}

	keeping := newEnv(t, func(cfg *config.Config) {
		cfg.Pipeline.KeepModelsInMemory = true
	})
	m2 := keeping.addMedia(t, "talk_two.mp3")
	if err := keeping.orch.Transcribe(ctx, []string{m2.ID}, pipeline.TranscribeOptions{Settings: keeping.transcriberSettings()}); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	loaded := keeping.orch.Models().Loaded()
	if len(loaded) != 1 || loaded[0] != keeping.transcriberSettings().Identity() {
		t.Fatalf("expected engine resident with keep toggle, got %v", loaded)
	}

	keeping.orch.Models().Evict(loaded[0])
	if remaining := keeping.orch.Models().Loaded(); len(remaining) != 0 {
		t.Fatalf("eviction left %v resident", remaining)
	}
}

func TestSettingsPersistAcrossStages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.addMedia(t, "talk_one.mp3")
	runStages(t, e, m.ID)

	var transcriber pipeline.TranscriberSettings
	found, err := e.orch.Settings().Load(ctx, pipeline.RoleTranscriber, &transcriber)
	if err != nil || !found {
		t.Fatalf("transcriber settings not persisted: %v %v", found, err)
	}
	if transcriber.Model != e.cfg.Transcriber.Model {
		t.Fatalf("persisted model = %q", transcriber.Model)
	}

	var indexer pipeline.IndexerSettings
	found, err = e.orch.Settings().Load(ctx, pipeline.RoleIndexer, &indexer)
	if err != nil || !found {
		t.Fatalf("indexer settings not persisted: %v %v", found, err)
	}
	if indexer.M != e.cfg.Indexer.M || indexer.EmbeddingSource != e.embedder.Identity() {
		t.Fatalf("persisted indexer settings: %+v", indexer)
	}
}

func runStages(t *testing.T, e *env, mediaIDs ...string) {
	t.Helper()
	ctx := context.Background()
	if err := e.orch.Transcribe(ctx, mediaIDs, pipeline.TranscribeOptions{Settings: e.transcriberSettings()}); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if err := e.orch.Embed(ctx, mediaIDs, pipeline.EmbedOptions{}); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if err := e.orch.Index(ctx, mediaIDs, e.indexerSettings()); err != nil {
		t.Fatalf("Index failed: %v", err)
	}
}
