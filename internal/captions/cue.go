package captions

import (
	"bufio"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"

	"waterlog/internal/services"
)

// Cue is one timed text segment from a caption track.
type Cue struct {
	Index int
	Start float64
	End   float64
	// StartLabel and EndLabel keep the original timestamp text so display and
	// label derivation never re-render floats.
	StartLabel string
	EndLabel   string
	Text       string
}

// Cues lazily parses the track's caption file, yielding cues in file order.
// The file is opened when iteration starts and closed when it stops, so a
// library scan never holds more than one caption file open. A missing file
// yields services.ErrCaptionFileMissing; a format the parser does not know
// yields services.ErrUnsupportedCaptionFormat.
func (c *Catalog) Cues(track Captions) iter.Seq2[Cue, error] {
	path := c.AbsolutePath(track)
	format := track.Format
	if format == "" {
		format = FormatFromPath(path)
	}

	return func(yield func(Cue, error) bool) {
		switch format {
		case "vtt", "srt":
		default:
			yield(Cue{}, services.Wrap(services.ErrUnsupportedCaptionFormat,
				"captions", "parse", fmt.Sprintf("format %q for track %s", format, track.ID), nil))
			return
		}

		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				yield(Cue{}, services.Wrap(services.ErrCaptionFileMissing,
					"captions", "parse", path, nil))
				return
			}
			yield(Cue{}, fmt.Errorf("open caption file %s: %w", path, err))
			return
		}
		defer file.Close()

		parseCueBlocks(bufio.NewScanner(file), yield)
	}
}

// parseCueBlocks handles both VTT and SRT: blocks separated by blank lines,
// each holding an optional identifier line, a timing line, and text lines.
func parseCueBlocks(scanner *bufio.Scanner, yield func(Cue, error) bool) {
	index := 0
	var block []string

	flush := func() bool {
		cue, ok := cueFromBlock(block, index)
		block = block[:0]
		if !ok {
			return true
		}
		index++
		return yield(cue, nil)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if len(block) > 0 && !flush() {
				return
			}
			continue
		}
		block = append(block, line)
	}
	if len(block) > 0 && !flush() {
		return
	}
	if err := scanner.Err(); err != nil {
		yield(Cue{}, fmt.Errorf("read caption file: %w", err))
	}
}

// cueFromBlock extracts a cue from one block of non-blank lines. Header and
// metadata blocks (WEBVTT, NOTE, STYLE) carry no timing line and are skipped.
func cueFromBlock(block []string, index int) (Cue, bool) {
	timingLine := -1
	for i, line := range block {
		if strings.Contains(line, "-->") {
			timingLine = i
			break
		}
	}
	if timingLine == -1 {
		return Cue{}, false
	}

	startLabel, endLabel, ok := splitTiming(block[timingLine])
	if !ok {
		return Cue{}, false
	}
	start, err := parseTimestamp(startLabel)
	if err != nil {
		return Cue{}, false
	}
	end, err := parseTimestamp(endLabel)
	if err != nil {
		return Cue{}, false
	}

	text := strings.TrimSpace(strings.Join(block[timingLine+1:], "\n"))
	return Cue{
		Index:      index,
		Start:      start,
		End:        end,
		StartLabel: startLabel,
		EndLabel:   endLabel,
		Text:       text,
	}, true
}

func splitTiming(line string) (start, end string, ok bool) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	start = strings.TrimSpace(parts[0])
	// VTT timing lines may carry cue settings after the end timestamp.
	endFields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endFields) == 0 {
		return "", "", false
	}
	return start, endFields[0], true
}

// parseTimestamp accepts "hh:mm:ss.mmm", "mm:ss.mmm", and the SRT comma
// variant, returning seconds.
func parseTimestamp(value string) (float64, error) {
	value = strings.ReplaceAll(value, ",", ".")
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("malformed timestamp %q", value)
	}

	var total float64
	for _, part := range parts {
		field, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed timestamp %q: %w", value, err)
		}
		total = total*60 + field
	}
	return total, nil
}
