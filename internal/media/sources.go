package media

import "context"

// FetchOptions control how web media is acquired.
type FetchOptions struct {
	AudioOnly     bool
	LowQuality    bool
	SubtitleLangs []string
}

// SubtitleTrack is a platform-provided caption sidecar downloaded with the
// media.
type SubtitleTrack struct {
	Path string
	Lang string
}

// FetchResult describes one downloaded asset. A single source can expand into
// several results when it refers to a playlist or channel. Paths are absolute
// and must fall under the library directory.
type FetchResult struct {
	PlatformID string
	Title      string
	Ext        string
	IsVideo    bool
	MediaPath  string
	InfoPath   string
	Subtitles  []SubtitleTrack

	Src       string
	SrcName   string
	SrcDomain string

	UploaderID   string
	UploaderName string
	UploaderURL  string
	UploadDate   string

	Thumbnail   string
	Description string
	Duration    float64
	Filesize    int64
	Tags        []string
}

// Fetcher downloads web media into the library.
type Fetcher interface {
	Fetch(ctx context.Context, src string, opts FetchOptions) ([]FetchResult, error)
	// RemoveFromArchive drops a platform id from the download ledger so a
	// deleted entry can be fetched again.
	RemoveFromArchive(platformID string) error
}

// ProbeResult carries the stream facts needed to identify a local file.
type ProbeResult struct {
	Duration  float64
	Filesize  int64
	HasVideo  bool
	Container string
}

// Prober inspects a local media file.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}
