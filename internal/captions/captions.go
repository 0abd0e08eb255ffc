package captions

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"waterlog/internal/store"
)

// Caption track kinds.
const (
	KindSubtitles     = "subtitles"
	KindTranscription = "transcription"
)

// Captions describes one caption track for a media entry. File locations are
// stored relative to the library directory so libraries stay relocatable.
type Captions struct {
	ID      string `json:"id"`
	MediaID string `json:"media_id"`
	Loc     string `json:"loc"`
	InfoLoc string `json:"infoloc,omitempty"`
	Format  string `json:"fmt"`
	Kind    string `json:"kind"`
	Lang    string `json:"lang"`
	By      string `json:"by"`
	Created string `json:"created"`

	// Settings is the canonical serialization of the generation settings for
	// transcribed tracks. Empty for platform sidecars.
	Settings json.RawMessage `json:"settings,omitempty"`
}

// IsSubtitles reports whether the track came from the source platform rather
// than a transcription run.
func (c Captions) IsSubtitles() bool {
	return c.Kind == KindSubtitles
}

// BackupPath returns the snapshot location for this track, relative to the
// library directory. Snapshots live beside the media they describe.
func (c Captions) BackupPath() string {
	return filepath.Join(filepath.Dir(c.Loc), store.BackupDirName, c.ID+store.CaptionsBackupSuffix)
}

// FormatFromPath derives the caption format token from a file extension.
func FormatFromPath(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
