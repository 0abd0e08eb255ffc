package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExternalTool marks failures reported by an external binary or API.
	ErrExternalTool = errors.New("external tool error")
	// ErrConfiguration marks fatal misconfiguration (missing binaries, keys).
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks lookups that resolved to nothing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidSource marks an unparseable or unreachable media reference.
	// The add operation reports it and continues with remaining sources.
	ErrInvalidSource = errors.New("invalid source")
	// ErrProbeToolMissing marks an unavailable ffprobe binary. Fatal for add.
	ErrProbeToolMissing = errors.New("probe tool missing")
	// ErrMissingEmbeddingCache marks an absent embedding cache file. Indexing
	// for that model identity is skipped until embed has run.
	ErrMissingEmbeddingCache = errors.New("missing embedding cache")
	// ErrUnsupportedCaptionFormat marks a caption track whose on-disk format
	// cannot be parsed. Reported per track, does not abort the media pipeline.
	ErrUnsupportedCaptionFormat = errors.New("unsupported caption format")
	// ErrCaptionFileMissing marks a caption track whose backing file is gone.
	ErrCaptionFileMissing = errors.New("caption file missing")
	// ErrIndexCorruption marks a label map and index file that are out of
	// sync. The index refuses to load rather than serve wrong labels.
	ErrIndexCorruption = errors.New("index corruption")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrExternalTool
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Fatal reports whether an error should abort the whole operation instead of
// being logged and skipped.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrProbeToolMissing)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
