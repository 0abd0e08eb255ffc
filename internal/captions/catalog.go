package captions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"waterlog/internal/logging"
	"waterlog/internal/store"
)

// Catalog manages caption track records for one library.
type Catalog struct {
	table  *store.Table
	libDir string
	logger *slog.Logger
}

// NewCatalog returns a catalog over the given store.
func NewCatalog(st *store.Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Catalog{
		table:  st.Table(store.KindCaptions),
		libDir: st.LibraryDir(),
		logger: logger,
	}
}

// Get fetches a caption track by id. Returns nil when absent.
func (c *Catalog) Get(ctx context.Context, id string) (*Captions, error) {
	rec, err := c.table.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return decodeCaptions(*rec)
}

// All returns every caption track for the given media, newest first.
func (c *Catalog) All(ctx context.Context, mediaID string) ([]Captions, error) {
	records, err := c.table.SearchScope(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	tracks := make([]Captions, 0, len(records))
	for _, rec := range records {
		track, err := decodeCaptions(rec)
		if err != nil {
			c.logger.Warn("skipping undecodable captions record",
				slog.String(logging.FieldCaptionsID, rec.ID), slog.Any("error", err))
			continue
		}
		tracks = append(tracks, *track)
	}
	return tracks, nil
}

// Latest returns the most recent caption track for the media. With
// preferSubtitles set, the newest platform subtitle track wins over newer
// transcriptions; platform captions tend to be human-reviewed.
func (c *Catalog) Latest(ctx context.Context, mediaID string, preferSubtitles bool) (*Captions, error) {
	tracks, err := c.All(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, nil
	}
	if preferSubtitles {
		for i := range tracks {
			if tracks[i].IsSubtitles() {
				return &tracks[i], nil
			}
		}
	}
	return &tracks[0], nil
}

// Create persists a caption track. The created timestamp is filled when empty.
// Creating a track whose id already exists replaces the record, which is the
// idempotent outcome for identical settings.
func (c *Catalog) Create(ctx context.Context, track Captions) error {
	if track.ID == "" || track.MediaID == "" {
		return fmt.Errorf("captions require id and media id")
	}
	if track.Created == "" {
		track.Created = time.Now().UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("encode captions %s: %w", track.ID, err)
	}
	return c.table.Upsert(ctx, store.Record{
		ID:         track.ID,
		Scope:      track.MediaID,
		Created:    track.Created,
		BackupPath: track.BackupPath(),
		Body:       body,
	})
}

// Delete removes a caption track. With cleanupFiles set, the caption file and
// its info sidecar are removed as well. Missing tracks are a no-op.
func (c *Catalog) Delete(ctx context.Context, id string, cleanupFiles bool) error {
	track, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if track == nil {
		return nil
	}
	if cleanupFiles {
		c.removeFiles(*track)
	}
	return c.table.RemoveByID(ctx, id)
}

// DeleteForMedia removes all caption tracks belonging to a media entry and
// returns how many were removed.
func (c *Catalog) DeleteForMedia(ctx context.Context, mediaID string, cleanupFiles bool) (int, error) {
	tracks, err := c.All(ctx, mediaID)
	if err != nil {
		return 0, err
	}
	for _, track := range tracks {
		if err := c.Delete(ctx, track.ID, cleanupFiles); err != nil {
			return 0, err
		}
	}
	return len(tracks), nil
}

// Count returns the number of caption tracks in the library.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	return c.table.Count(ctx)
}

// AbsolutePath resolves a track's caption file under the library directory.
func (c *Catalog) AbsolutePath(track Captions) string {
	return filepath.Join(c.libDir, filepath.FromSlash(track.Loc))
}

func (c *Catalog) removeFiles(track Captions) {
	for _, loc := range []string{track.Loc, track.InfoLoc} {
		if loc == "" {
			continue
		}
		path := filepath.Join(c.libDir, filepath.FromSlash(loc))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove caption file",
				slog.String("path", path), slog.Any("error", err))
		}
	}
}

func decodeCaptions(rec store.Record) (*Captions, error) {
	var track Captions
	if err := json.Unmarshal(rec.Body, &track); err != nil {
		return nil, fmt.Errorf("decode captions %s: %w", rec.ID, err)
	}
	return &track, nil
}
