// Package fetcher downloads web media into the library with yt-dlp.
//
// yt-dlp owns the physical download mechanics; this client shapes the output
// layout, collects what was actually written, and maintains the download
// ledger that keeps re-adds from re-downloading.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"waterlog/internal/fileutil"
	"waterlog/internal/logging"
	"waterlog/internal/media"
	"waterlog/internal/services"
)

type commandRunner func(ctx context.Context, name string, args ...string) error

// Client shells out to yt-dlp.
type Client struct {
	binary      string
	libDir      string
	archivePath string
	run         commandRunner
	logger      *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithCommandRunner injects a custom command runner (primarily for tests).
func WithCommandRunner(r commandRunner) Option {
	return func(c *Client) {
		if r != nil {
			c.run = r
		}
	}
}

// New returns a fetcher writing into libDir and recording downloads in the
// ledger at archivePath.
func New(binary, libDir, archivePath string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Client{
		binary:      binary,
		libDir:      libDir,
		archivePath: archivePath,
		run:         defaultCommandRunner,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads a source and returns one result per downloaded asset. A
// playlist source expands into several results. Sources already present in
// the download ledger produce no results, which is the dedup the ledger
// exists for.
func (c *Client) Fetch(ctx context.Context, src string, opts media.FetchOptions) ([]media.FetchResult, error) {
	if _, err := exec.LookPath(c.binary); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "fetch", "lookup",
			fmt.Sprintf("%s not found on PATH", c.binary), err)
	}

	listFile, err := os.CreateTemp("", "waterlog-fetch-*.txt")
	if err != nil {
		return nil, fmt.Errorf("create download list file: %w", err)
	}
	listPath := listFile.Name()
	_ = listFile.Close()
	defer os.Remove(listPath)

	args := c.buildArgs(src, listPath, opts)
	if err := c.run(ctx, c.binary, args...); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "fetch", "download", src, err)
	}

	paths, err := readDownloadList(listPath)
	if err != nil {
		return nil, err
	}

	results := make([]media.FetchResult, 0, len(paths))
	for _, mediaPath := range paths {
		result, err := c.collect(mediaPath)
		if err != nil {
			c.logger.Warn("skipping downloaded file with unreadable metadata",
				slog.String("path", mediaPath), slog.Any("error", err))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (c *Client) buildArgs(src, listPath string, opts media.FetchOptions) []string {
	args := []string{
		src,
		"-o", filepath.Join(c.libDir, "%(title)s::%(id)s", "media.%(ext)s"),
		"--write-info-json",
		"--download-archive", c.archivePath,
		"--print-to-file", "after_move:filepath", listPath,
		"--no-progress",
		"--no-warnings",
	}
	switch {
	case opts.AudioOnly:
		args = append(args, "-f", "bestaudio/best")
	case opts.LowQuality:
		args = append(args, "-f", "worstvideo*+worstaudio/worst")
	}
	if len(opts.SubtitleLangs) > 0 {
		args = append(args,
			"--write-subs",
			"--sub-langs", strings.Join(opts.SubtitleLangs, ","),
			"--convert-subs", "vtt",
		)
	}
	return args
}

// collect builds a FetchResult from the info JSON yt-dlp wrote next to the
// media file.
func (c *Client) collect(mediaPath string) (media.FetchResult, error) {
	dir := filepath.Dir(mediaPath)
	infoPath := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + ".info.json"

	data, err := os.ReadFile(infoPath)
	if err != nil {
		return media.FetchResult{}, fmt.Errorf("read info json: %w", err)
	}
	var info infoJSON
	if err := json.Unmarshal(data, &info); err != nil {
		return media.FetchResult{}, fmt.Errorf("parse info json: %w", err)
	}
	if info.ID == "" {
		return media.FetchResult{}, fmt.Errorf("info json %s has no id", infoPath)
	}

	filesize := info.Filesize
	if stat, err := os.Stat(mediaPath); err == nil {
		filesize = stat.Size()
	} else if filesize == 0 {
		filesize = info.FilesizeApprox
	}

	result := media.FetchResult{
		PlatformID:   info.ID,
		Title:        info.Title,
		Ext:          info.Ext,
		IsVideo:      info.VCodec != "" && info.VCodec != "none",
		MediaPath:    mediaPath,
		InfoPath:     infoPath,
		Src:          info.WebpageURL,
		SrcName:      info.ExtractorKey,
		SrcDomain:    info.WebpageURLDomain,
		UploaderID:   info.UploaderID,
		UploaderName: info.Uploader,
		UploaderURL:  info.UploaderURL,
		UploadDate:   info.UploadDate,
		Thumbnail:    info.Thumbnail,
		Description:  info.Description,
		Duration:     info.Duration,
		Filesize:     filesize,
		Tags:         info.Tags,
	}
	result.Subtitles = collectSubtitles(dir)
	return result, nil
}

// collectSubtitles finds the sidecar files yt-dlp wrote as media.<lang>.vtt.
func collectSubtitles(dir string) []media.SubtitleTrack {
	matches, err := filepath.Glob(filepath.Join(dir, "media.*.vtt"))
	if err != nil {
		return nil
	}
	var tracks []media.SubtitleTrack
	for _, path := range matches {
		base := filepath.Base(path)
		lang := strings.TrimSuffix(strings.TrimPrefix(base, "media."), ".vtt")
		if lang == "" || strings.Contains(lang, ".") {
			continue
		}
		tracks = append(tracks, media.SubtitleTrack{Path: path, Lang: lang})
	}
	return tracks
}

// RemoveFromArchive drops every ledger line referring to the platform id so
// the asset can be downloaded again after a delete.
func (c *Client) RemoveFromArchive(platformID string) error {
	data, err := os.ReadFile(c.archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read download ledger: %w", err)
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		// Ledger lines read "<extractor> <id>".
		if len(fields) == 2 && fields[1] == platformID {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}

	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	return fileutil.WriteFileAtomic(c.archivePath, []byte(out), 0o644)
}

type infoJSON struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Ext              string   `json:"ext"`
	Duration         float64  `json:"duration"`
	Filesize         int64    `json:"filesize"`
	FilesizeApprox   int64    `json:"filesize_approx"`
	Uploader         string   `json:"uploader"`
	UploaderID       string   `json:"uploader_id"`
	UploaderURL      string   `json:"uploader_url"`
	UploadDate       string   `json:"upload_date"`
	Thumbnail        string   `json:"thumbnail"`
	Description      string   `json:"description"`
	Tags             []string `json:"tags"`
	WebpageURL       string   `json:"webpage_url"`
	WebpageURLDomain string   `json:"webpage_url_domain"`
	ExtractorKey     string   `json:"extractor_key"`
	VCodec           string   `json:"vcodec"`
}

func readDownloadList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read download list: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func defaultCommandRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
