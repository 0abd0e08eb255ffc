package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// IDLength is the number of hex characters kept from the sha256 digest.
const IDLength = 16

// LabelSeparator joins the segments of an index label.
const LabelSeparator = "::"

func hashID(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:IDLength]
}

// MediaIDFromWeb returns the id for a web source: the platform-native id is
// already stable per asset, so it is used as-is.
func MediaIDFromWeb(platformID string) string {
	return strings.TrimSpace(platformID)
}

// MediaIDFromFile derives the id for a local file from its resolved path,
// duration in seconds, and size in bytes. Identical files re-added from the
// same path always map to the same id.
func MediaIDFromFile(resolvedPath string, duration float64, filesize int64) string {
	return hashID(resolvedPath + formatDuration(duration) + strconv.FormatInt(filesize, 10))
}

// SidecarCaptionsID derives the id for a platform-provided caption track from
// the media id, track kind, provider, and language.
func SidecarCaptionsID(mediaID, kind, by, lang string) string {
	return hashID(mediaID + kind + by + lang)
}

// CaptionsID derives the id for a generated caption track from the media id
// and the canonical serialization of the generation settings. Rerunning with
// identical settings resolves to the same id; any changed setting yields a
// distinct id.
func CaptionsID(mediaID string, settings any) (string, error) {
	canonical, err := CanonicalJSON(settings)
	if err != nil {
		return "", fmt.Errorf("canonicalize settings: %w", err)
	}
	return hashID(mediaID + canonical), nil
}

// EmbeddingCacheKey derives the cache key for a (media, embedding model) pair.
func EmbeddingCacheKey(mediaID, modelIdentity string) string {
	return hashID(mediaID + modelIdentity)
}

// IndexParamsID derives the id that versions an index file by its structural
// parameters. Changing M or efConstruction targets a distinct index file.
func IndexParamsID(m, efConstruction int) string {
	return hashID(strconv.Itoa(m) + ":" + strconv.Itoa(efConstruction))
}

// IndexLabel encodes the provenance of one indexed vector.
func IndexLabel(mediaID, captionsID string, segmentID int, startTimestamp float64) string {
	return strings.Join([]string{
		mediaID,
		captionsID,
		strconv.Itoa(segmentID),
		formatDuration(startTimestamp),
	}, LabelSeparator)
}

// Label is the parsed form of an index label.
type Label struct {
	MediaID        string
	CaptionsID     string
	SegmentID      int
	StartTimestamp float64
}

// ParseLabel decodes a label produced by IndexLabel.
func ParseLabel(label string) (Label, error) {
	parts := strings.Split(label, LabelSeparator)
	if len(parts) != 4 {
		return Label{}, fmt.Errorf("malformed label %q: expected 4 segments, got %d", label, len(parts))
	}
	segmentID, err := strconv.Atoi(parts[2])
	if err != nil {
		return Label{}, fmt.Errorf("malformed label %q: segment id: %w", label, err)
	}
	start, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return Label{}, fmt.Errorf("malformed label %q: start timestamp: %w", label, err)
	}
	return Label{
		MediaID:        parts[0],
		CaptionsID:     parts[1],
		SegmentID:      segmentID,
		StartTimestamp: start,
	}, nil
}

// CanonicalJSON serializes v with stable key ordering, suitable for hashing.
// The value is round-tripped through generic JSON so struct field order never
// leaks into the output and map keys are always sorted.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

// formatDuration renders seconds the way ids have always encoded them: the
// shortest decimal form, with a ".0" suffix kept for integral values so
// 42 seconds reads "42.0".
func formatDuration(seconds float64) string {
	s := strconv.FormatFloat(seconds, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
