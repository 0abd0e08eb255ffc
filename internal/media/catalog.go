package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"waterlog/internal/captions"
	"waterlog/internal/config"
	"waterlog/internal/fileutil"
	"waterlog/internal/identity"
	"waterlog/internal/logging"
	"waterlog/internal/services"
	"waterlog/internal/store"
	"waterlog/internal/textutil"
)

// Catalog manages media entries for one library.
type Catalog struct {
	table    *store.Table
	libDir   string
	captions *captions.Catalog
	fetcher  Fetcher
	prober   Prober
	logger   *slog.Logger
}

// NewCatalog returns a catalog over the given store. The fetcher may be nil
// for read-only use; Add then rejects web sources.
func NewCatalog(st *store.Store, caps *captions.Catalog, fetcher Fetcher, prober Prober, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Catalog{
		table:    st.Table(store.KindMedia),
		libDir:   st.LibraryDir(),
		captions: caps,
		fetcher:  fetcher,
		prober:   prober,
		logger:   logger,
	}
}

// Resolve finds an entry by id first, then by source reference. Returns nil
// when nothing matches.
func (c *Catalog) Resolve(ctx context.Context, ref string) (*Media, error) {
	rec, err := c.table.GetByID(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return decodeMedia(*rec)
	}

	records, err := c.table.SearchScope(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return decodeMedia(records[0])
}

// All returns every entry in the library, newest first.
func (c *Catalog) All(ctx context.Context) ([]Media, error) {
	records, err := c.table.Search(ctx, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeAll(records), nil
}

// Count returns the number of entries in the library.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	return c.table.Count(ctx)
}

// SearchByTitle returns entries whose title contains the query,
// case-insensitively, newest first.
func (c *Catalog) SearchByTitle(ctx context.Context, query string) ([]Media, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	entries, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	var matched []Media
	for _, m := range entries {
		if strings.Contains(strings.ToLower(m.Title), query) {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

// Filter returns entries whose fields match every key in by, where keys are
// the entry's JSON field names. With captioned set, entries are additionally
// filtered on whether they have at least one caption track.
func (c *Catalog) Filter(ctx context.Context, by map[string]any, captioned *bool) ([]Media, error) {
	records, err := c.table.Search(ctx, nil)
	if err != nil {
		return nil, err
	}

	var matched []Media
	for _, rec := range records {
		if !bodyMatches(rec.Body, by) {
			continue
		}
		m, err := decodeMedia(rec)
		if err != nil {
			c.logger.Warn("skipping undecodable media record",
				slog.String(logging.FieldMediaID, rec.ID), slog.Any("error", err))
			continue
		}
		if captioned != nil {
			has, err := c.Captioned(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			if has != *captioned {
				continue
			}
		}
		matched = append(matched, *m)
	}
	return matched, nil
}

// Captioned reports whether the media has at least one caption track.
func (c *Catalog) Captioned(ctx context.Context, mediaID string) (bool, error) {
	tracks, err := c.captions.All(ctx, mediaID)
	if err != nil {
		return false, err
	}
	return len(tracks) > 0, nil
}

// AbsolutePath resolves the entry's media file under the library directory.
func (c *Catalog) AbsolutePath(m Media) string {
	return filepath.Join(c.libDir, filepath.FromSlash(m.Loc))
}

// Dir resolves the entry's directory under the library.
func (c *Catalog) Dir(m Media) string {
	return filepath.Join(c.libDir, m.DirName())
}

// Add ingests the given sources, dispatching each to the web or local-file
// path. Invalid sources are logged and skipped; a missing probe tool aborts
// the whole call since no local file can be identified without it. The
// returned slice holds the added entries plus the existing entries that
// sources deduplicated onto.
func (c *Catalog) Add(ctx context.Context, sources []string, opts FetchOptions) ([]Media, error) {
	var out []Media
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}

		var (
			added []Media
			err   error
		)
		if isWebSource(src) {
			added, err = c.addFromWeb(ctx, src, opts)
		} else {
			added, err = c.addFromFile(ctx, src)
		}
		if err != nil {
			if services.Fatal(err) {
				return out, err
			}
			c.logger.Warn("skipping source", slog.String("src", src), slog.Any("error", err))
			continue
		}
		out = append(out, added...)
	}
	return out, nil
}

// Delete removes an entry, its caption tracks, its directory, and its download
// ledger line. A reference that resolves to nothing is a no-op.
func (c *Catalog) Delete(ctx context.Context, ref string) error {
	m, err := c.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	if m == nil {
		c.logger.Info("delete skipped, media not found", slog.String("ref", ref))
		return nil
	}

	// Track records go first so the store never points at removed files. The
	// files themselves go with the directory below.
	if _, err := c.captions.DeleteForMedia(ctx, m.ID, false); err != nil {
		return err
	}
	if err := c.table.RemoveByID(ctx, m.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(c.Dir(*m)); err != nil {
		return fmt.Errorf("remove media directory: %w", err)
	}

	if c.fetcher != nil && isWebSource(m.Src) {
		if err := c.fetcher.RemoveFromArchive(m.ID); err != nil {
			c.logger.Warn("failed to trim download ledger",
				slog.String(logging.FieldMediaID, m.ID), slog.Any("error", err))
		}
	}

	c.logger.Info("deleted media",
		slog.String(logging.FieldMediaID, m.ID), slog.String("title", m.Title))
	return nil
}

func (c *Catalog) addFromWeb(ctx context.Context, src string, opts FetchOptions) ([]Media, error) {
	if c.fetcher == nil {
		return nil, services.Wrap(services.ErrConfiguration, "add", "fetch", "no fetcher configured", nil)
	}

	results, err := c.fetcher.Fetch(ctx, src, opts)
	if err != nil {
		return nil, err
	}

	var out []Media
	for _, result := range results {
		m, err := c.registerFetched(ctx, result)
		if err != nil {
			c.logger.Warn("skipping fetched asset",
				slog.String("platform_id", result.PlatformID), slog.Any("error", err))
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// registerFetched records one downloaded asset. Existing entries are kept
// as-is, but their subtitle sidecars are still processed: a re-add with new
// subtitle languages must attach the new tracks.
func (c *Catalog) registerFetched(ctx context.Context, result FetchResult) (*Media, error) {
	id := identity.MediaIDFromWeb(result.PlatformID)
	if id == "" {
		return nil, services.Wrap(services.ErrInvalidSource, "add", "fetch", "asset has no platform id", nil)
	}

	existing, err := c.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	dirTitle := result.Title
	if existing != nil {
		dirTitle = existing.Title
	}
	result, err = c.normalizeLayout(result, textutil.MediaDirName(dirTitle, id))
	if err != nil {
		return nil, err
	}

	m := existing
	if m == nil {
		loc, err := c.relativize(result.MediaPath)
		if err != nil {
			return nil, err
		}
		infoLoc := ""
		if result.InfoPath != "" {
			if infoLoc, err = c.relativize(result.InfoPath); err != nil {
				return nil, err
			}
		}
		m = &Media{
			ID:           id,
			Loc:          loc,
			Ext:          result.Ext,
			IsVideo:      result.IsVideo,
			InfoLoc:      infoLoc,
			Title:        result.Title,
			Src:          result.Src,
			SrcName:      result.SrcName,
			SrcDomain:    result.SrcDomain,
			UploaderID:   result.UploaderID,
			UploaderName: result.UploaderName,
			UploaderURL:  result.UploaderURL,
			UploadDate:   result.UploadDate,
			Thumbnail:    result.Thumbnail,
			Description:  result.Description,
			Duration:     result.Duration,
			Filesize:     result.Filesize,
			Tags:         result.Tags,
			Created:      time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := c.upsert(ctx, *m); err != nil {
			return nil, err
		}
		c.logger.Info("added media",
			slog.String(logging.FieldMediaID, id), slog.String("title", m.Title))
	} else {
		c.logger.Info("media already in library, reusing",
			slog.String(logging.FieldMediaID, id), slog.String("title", m.Title))
	}

	for _, sub := range result.Subtitles {
		if err := c.attachSubtitle(ctx, *m, sub); err != nil {
			c.logger.Warn("failed to attach subtitle track",
				slog.String(logging.FieldMediaID, id),
				slog.String("lang", sub.Lang), slog.Any("error", err))
		}
	}
	return m, nil
}

// normalizeLayout moves a fetched download directory to the entry's canonical
// directory name and rewrites the result's paths to match. The fetcher writes
// the raw platform title into the path, which can exceed the directory name
// cap or carry characters the sanitizer strips; the catalog only ever records
// and deletes the canonical name.
func (c *Catalog) normalizeLayout(result FetchResult, dirName string) (FetchResult, error) {
	srcDir := filepath.Dir(result.MediaPath)
	target := filepath.Join(c.libDir, dirName)
	if srcDir != target {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			if err := os.Rename(srcDir, target); err != nil {
				return result, fmt.Errorf("normalize media directory: %w", err)
			}
		} else {
			// Re-fetch of a registered entry: move the fresh files into the
			// existing directory and drop the download directory.
			entries, err := os.ReadDir(srcDir)
			if err != nil {
				return result, fmt.Errorf("normalize media directory: %w", err)
			}
			for _, entry := range entries {
				from := filepath.Join(srcDir, entry.Name())
				to := filepath.Join(target, entry.Name())
				if err := os.Rename(from, to); err != nil {
					return result, fmt.Errorf("normalize media directory: %w", err)
				}
			}
			if err := os.Remove(srcDir); err != nil {
				return result, fmt.Errorf("normalize media directory: %w", err)
			}
		}
	}

	rebase := func(path string) string {
		if path == "" {
			return path
		}
		return filepath.Join(target, filepath.Base(path))
	}
	result.MediaPath = rebase(result.MediaPath)
	result.InfoPath = rebase(result.InfoPath)
	for i := range result.Subtitles {
		result.Subtitles[i].Path = rebase(result.Subtitles[i].Path)
	}
	return result, nil
}

func (c *Catalog) attachSubtitle(ctx context.Context, m Media, sub SubtitleTrack) error {
	loc, err := c.relativize(sub.Path)
	if err != nil {
		return err
	}
	return c.captions.Create(ctx, captions.Captions{
		ID:      identity.SidecarCaptionsID(m.ID, captions.KindSubtitles, m.SrcName, sub.Lang),
		MediaID: m.ID,
		Loc:     loc,
		Format:  captions.FormatFromPath(sub.Path),
		Kind:    captions.KindSubtitles,
		Lang:    sub.Lang,
		By:      m.SrcName,
	})
}

func (c *Catalog) addFromFile(ctx context.Context, src string) ([]Media, error) {
	resolved, err := config.ExpandPath(src)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidSource, "add", "resolve", src, err)
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return nil, services.Wrap(services.ErrInvalidSource, "add", "resolve",
			fmt.Sprintf("%s is not a readable file", src), err)
	}
	if c.prober == nil {
		return nil, services.Wrap(services.ErrProbeToolMissing, "add", "probe", "no prober configured", nil)
	}

	probe, err := c.prober.Probe(ctx, resolved)
	if err != nil {
		return nil, err
	}

	id := identity.MediaIDFromFile(resolved, probe.Duration, probe.Filesize)
	existing, err := c.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.logger.Info("file already in library, reusing",
			slog.String(logging.FieldMediaID, id), slog.String("title", existing.Title))
		return []Media{*existing}, nil
	}

	title := textutil.DeriveTitle(resolved)
	ext := strings.TrimPrefix(filepath.Ext(resolved), ".")
	m := Media{
		ID:       id,
		Ext:      ext,
		IsVideo:  probe.HasVideo,
		Title:    title,
		Src:      resolved,
		SrcName:  "local",
		Duration: probe.Duration,
		Filesize: probe.Filesize,
		Created:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	m.Loc = filepath.Join(m.DirName(), "media."+ext)

	dst := c.AbsolutePath(m)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	if err := fileutil.CopyFile(resolved, dst); err != nil {
		return nil, fmt.Errorf("copy media file: %w", err)
	}
	if err := c.upsert(ctx, m); err != nil {
		return nil, err
	}

	c.logger.Info("added media",
		slog.String(logging.FieldMediaID, id), slog.String("title", title))
	return []Media{m}, nil
}

func (c *Catalog) upsert(ctx context.Context, m Media) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode media %s: %w", m.ID, err)
	}
	return c.table.Upsert(ctx, store.Record{
		ID:         m.ID,
		Scope:      m.Src,
		Created:    m.Created,
		BackupPath: m.BackupPath(),
		Body:       body,
	})
}

func (c *Catalog) relativize(path string) (string, error) {
	rel, err := filepath.Rel(c.libDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the library", path)
	}
	return rel, nil
}

func (c *Catalog) decodeAll(records []store.Record) []Media {
	entries := make([]Media, 0, len(records))
	for _, rec := range records {
		m, err := decodeMedia(rec)
		if err != nil {
			c.logger.Warn("skipping undecodable media record",
				slog.String(logging.FieldMediaID, rec.ID), slog.Any("error", err))
			continue
		}
		entries = append(entries, *m)
	}
	return entries
}

func decodeMedia(rec store.Record) (*Media, error) {
	var m Media
	if err := json.Unmarshal(rec.Body, &m); err != nil {
		return nil, fmt.Errorf("decode media %s: %w", rec.ID, err)
	}
	return &m, nil
}

func isWebSource(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// bodyMatches compares the record's JSON fields against the expected values
// through a generic decode, so callers can match on any stored field without
// the catalog growing a column per filter.
func bodyMatches(body json.RawMessage, by map[string]any) bool {
	if len(by) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return false
	}
	for key, want := range by {
		got, ok := fields[key]
		if !ok {
			return false
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false
		}
		gotJSON, err := json.Marshal(got)
		if err != nil {
			return false
		}
		if string(wantJSON) != string(gotJSON) {
			return false
		}
	}
	return true
}
