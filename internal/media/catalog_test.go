package media_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"waterlog/internal/captions"
	"waterlog/internal/identity"
	"waterlog/internal/logging"
	"waterlog/internal/media"
	"waterlog/internal/services"
	"waterlog/internal/store"
	"waterlog/internal/textutil"
)

type fakeFetcher struct {
	results map[string][]media.FetchResult
	err     error
	trimmed []string
}

func (f *fakeFetcher) Fetch(_ context.Context, src string, _ media.FetchOptions) ([]media.FetchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	results, ok := f.results[src]
	if !ok {
		return nil, services.Wrap(services.ErrInvalidSource, "fetch", "download", src, nil)
	}
	return results, nil
}

func (f *fakeFetcher) RemoveFromArchive(platformID string) error {
	f.trimmed = append(f.trimmed, platformID)
	return nil
}

type fakeProber struct {
	result media.ProbeResult
	err    error
}

func (p *fakeProber) Probe(context.Context, string) (media.ProbeResult, error) {
	return p.result, p.err
}

type env struct {
	catalog  *media.Catalog
	captions *captions.Catalog
	fetcher  *fakeFetcher
	prober   *fakeProber
	libDir   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	libDir := t.TempDir()
	st, err := store.Open(libDir, "0.1.0", logging.NewNop())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	caps := captions.NewCatalog(st, logging.NewNop())
	fetcher := &fakeFetcher{results: map[string][]media.FetchResult{}}
	prober := &fakeProber{result: media.ProbeResult{Duration: 42.0, Filesize: 0, HasVideo: false}}
	return &env{
		catalog:  media.NewCatalog(st, caps, fetcher, prober, logging.NewNop()),
		captions: caps,
		fetcher:  fetcher,
		prober:   prober,
		libDir:   libDir,
	}
}

func (e *env) stageDownload(t *testing.T, platformID, title string, subLangs ...string) media.FetchResult {
	t.Helper()
	dir := filepath.Join(e.libDir, title+"::"+platformID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	mediaPath := filepath.Join(dir, "media.mp4")
	if err := os.WriteFile(mediaPath, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write media file: %v", err)
	}

	result := media.FetchResult{
		PlatformID: platformID,
		Title:      title,
		Ext:        "mp4",
		IsVideo:    true,
		MediaPath:  mediaPath,
		Src:        "https://example.com/watch?v=" + platformID,
		SrcName:    "example",
		SrcDomain:  "example.com",
		Duration:   12.5,
		Filesize:   7,
	}
	for _, lang := range subLangs {
		subPath := filepath.Join(dir, "subs."+lang+".vtt")
		if err := os.WriteFile(subPath, []byte("WEBVTT\n"), 0o644); err != nil {
			t.Fatalf("write subtitle file: %v", err)
		}
		result.Subtitles = append(result.Subtitles, media.SubtitleTrack{Path: subPath, Lang: lang})
	}
	return result
}

func writeLocalFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("audio payload"), 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}
	return path
}

func TestAddLocalFileDeduplicatesByIdentity(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := writeLocalFile(t, t.TempDir(), "funny_audio.mp3")
	e.prober.result = media.ProbeResult{Duration: 42.0, Filesize: 13}

	first, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("added %d entries, want 1", len(first))
	}
	wantID := identity.MediaIDFromFile(src, 42.0, 13)
	if first[0].ID != wantID {
		t.Fatalf("id = %q, want %q", first[0].ID, wantID)
	}
	if first[0].Title != "Funny Audio" {
		t.Fatalf("title = %q", first[0].Title)
	}
	if _, err := os.Stat(e.catalog.AbsolutePath(first[0])); err != nil {
		t.Fatalf("media file not copied into library: %v", err)
	}

	second, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{})
	if err != nil {
		t.Fatalf("re-Add failed: %v", err)
	}
	if len(second) != 1 || second[0].ID != wantID {
		t.Fatalf("re-add did not resolve to existing entry: %+v", second)
	}
	count, err := e.catalog.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d after duplicate add, want 1", count)
	}
}

func TestAddWebCreatesEntryAndSubtitleTracks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := "https://example.com/watch?v=vid123"
	e.fetcher.results[src] = []media.FetchResult{e.stageDownload(t, "vid123", "A Talk", "en")}

	added, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(added) != 1 || added[0].ID != "vid123" {
		t.Fatalf("unexpected add result: %+v", added)
	}

	tracks, err := e.captions.All(ctx, "vid123")
	if err != nil {
		t.Fatalf("captions.All failed: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("subtitle tracks = %d, want 1", len(tracks))
	}
	if tracks[0].Kind != captions.KindSubtitles || tracks[0].Lang != "en" {
		t.Fatalf("unexpected track: %+v", tracks[0])
	}
	wantCapID := identity.SidecarCaptionsID("vid123", captions.KindSubtitles, "example", "en")
	if tracks[0].ID != wantCapID {
		t.Fatalf("track id = %q, want %q", tracks[0].ID, wantCapID)
	}
}

func TestAddWebNormalizesDirectoryName(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	title := "A Deep Dive Into Content Addressed Pipelines: Part One of the Extended Series"
	src := "https://example.com/watch?v=vid_long"
	e.fetcher.results[src] = []media.FetchResult{e.stageDownload(t, "vid_long", title, "en")}

	added, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(added) != 1 {
		t.Fatalf("added %d entries, want 1", len(added))
	}
	m := added[0]

	wantDir := textutil.MediaDirName(title, "vid_long")
	if filepath.Dir(m.Loc) != wantDir {
		t.Fatalf("loc dir = %q, want %q", filepath.Dir(m.Loc), wantDir)
	}
	if _, err := os.Stat(e.catalog.AbsolutePath(m)); err != nil {
		t.Fatalf("media file not at canonical location: %v", err)
	}
	rawDir := filepath.Join(e.libDir, title+"::vid_long")
	if _, err := os.Stat(rawDir); !os.IsNotExist(err) {
		t.Fatal("download directory kept its raw name")
	}

	tracks, err := e.captions.All(ctx, "vid_long")
	if err != nil {
		t.Fatalf("captions.All failed: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(tracks))
	}
	if _, err := os.Stat(e.captions.AbsolutePath(tracks[0])); err != nil {
		t.Fatalf("subtitle sidecar not in canonical directory: %v", err)
	}

	// A re-fetch lands in a fresh raw directory and must merge into the
	// canonical one.
	e.fetcher.results[src] = []media.FetchResult{e.stageDownload(t, "vid_long", title, "de")}
	if _, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{}); err != nil {
		t.Fatalf("re-Add failed: %v", err)
	}
	tracks, err = e.captions.All(ctx, "vid_long")
	if err != nil {
		t.Fatalf("captions.All failed: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d after second language, want 2", len(tracks))
	}
	for _, track := range tracks {
		if _, err := os.Stat(e.captions.AbsolutePath(track)); err != nil {
			t.Fatalf("track %s file missing after merge: %v", track.ID, err)
		}
	}

	if err := e.catalog.Delete(ctx, "vid_long"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.libDir, wantDir)); !os.IsNotExist(err) {
		t.Fatal("media directory survived delete")
	}
}

func TestReAddExistingWebMediaAttachesNewSubtitles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := "https://example.com/watch?v=vid123"
	e.fetcher.results[src] = []media.FetchResult{e.stageDownload(t, "vid123", "A Talk", "en")}
	if _, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	e.fetcher.results[src] = []media.FetchResult{e.stageDownload(t, "vid123", "A Talk", "de")}
	again, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{})
	if err != nil {
		t.Fatalf("re-Add failed: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("re-add returned %d entries", len(again))
	}

	count, err := e.catalog.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	tracks, err := e.captions.All(ctx, "vid123")
	if err != nil {
		t.Fatalf("captions.All failed: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d after second language, want 2", len(tracks))
	}
}

func TestAddSkipsInvalidSourceAndContinues(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	good := writeLocalFile(t, t.TempDir(), "clip.mp3")
	e.prober.result = media.ProbeResult{Duration: 3.0, Filesize: 13}

	added, err := e.catalog.Add(ctx, []string{"/no/such/file.mp3", good}, media.FetchOptions{})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(added) != 1 {
		t.Fatalf("added %d entries, want the valid one only", len(added))
	}
}

func TestAddAbortsWhenProbeToolMissing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := writeLocalFile(t, t.TempDir(), "clip.mp3")
	e.prober.err = services.Wrap(services.ErrProbeToolMissing, "probe", "run", "ffprobe not on PATH", nil)

	_, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{})
	if !errors.Is(err, services.ErrProbeToolMissing) {
		t.Fatalf("expected ErrProbeToolMissing, got %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := "https://example.com/watch?v=vid123"
	e.fetcher.results[src] = []media.FetchResult{e.stageDownload(t, "vid123", "A Talk", "en")}
	added, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	dir := e.catalog.Dir(added[0])

	if err := e.catalog.Delete(ctx, "vid123"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if m, err := e.catalog.Resolve(ctx, "vid123"); err != nil || m != nil {
		t.Fatalf("entry still resolvable after delete: %v %v", m, err)
	}
	tracks, err := e.captions.All(ctx, "vid123")
	if err != nil {
		t.Fatalf("captions.All failed: %v", err)
	}
	if len(tracks) != 0 {
		t.Fatalf("caption tracks survived delete: %d", len(tracks))
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("media directory survived delete")
	}
	if len(e.fetcher.trimmed) != 1 || e.fetcher.trimmed[0] != "vid123" {
		t.Fatalf("download ledger not trimmed: %v", e.fetcher.trimmed)
	}

	// Deleting again is a no-op.
	if err := e.catalog.Delete(ctx, "vid123"); err != nil {
		t.Fatalf("second Delete errored: %v", err)
	}
}

func TestResolveBySource(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := "https://example.com/watch?v=vid123"
	e.fetcher.results[src] = []media.FetchResult{e.stageDownload(t, "vid123", "A Talk")}
	if _, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	m, err := e.catalog.Resolve(ctx, src)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m == nil || m.ID != "vid123" {
		t.Fatalf("resolve by src = %+v", m)
	}
}

func TestFilterAndSearchByTitle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	entries := []struct {
		id    string
		title string
		subs  []string
	}{
		{"vid1", "Go Concurrency Patterns", []string{"en"}},
		{"vid2", "Cooking With Garlic", nil},
	}
	for i, spec := range entries {
		src := "https://example.com/watch?v=" + spec.id
		e.fetcher.results[src] = []media.FetchResult{e.stageDownload(t, spec.id, spec.title, spec.subs...)}
		if _, err := e.catalog.Add(ctx, []string{src}, media.FetchOptions{}); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	byTitle, err := e.catalog.SearchByTitle(ctx, "concurrency")
	if err != nil {
		t.Fatalf("SearchByTitle failed: %v", err)
	}
	if len(byTitle) != 1 || byTitle[0].ID != "vid1" {
		t.Fatalf("title search = %+v", byTitle)
	}

	captioned := true
	withCaptions, err := e.catalog.Filter(ctx, map[string]any{"src_name": "example"}, &captioned)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(withCaptions) != 1 || withCaptions[0].ID != "vid1" {
		t.Fatalf("captioned filter = %+v", withCaptions)
	}

	uncaptioned := false
	without, err := e.catalog.Filter(ctx, nil, &uncaptioned)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(without) != 1 || without[0].ID != "vid2" {
		t.Fatalf("uncaptioned filter = %+v", without)
	}

	none, err := e.catalog.Filter(ctx, map[string]any{"src_name": "other"}, nil)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("filter on absent value matched %d", len(none))
	}
}
