// Package probe inspects local media files with ffprobe.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"waterlog/internal/media"
	"waterlog/internal/services"
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Client shells out to ffprobe. The zero value is not usable; construct with
// New.
type Client struct {
	binary string
	run    commandRunner
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

// New returns a probe client using the given ffprobe binary name.
func New(binary string, opts ...Option) *Client {
	c := &Client{binary: binary, run: defaultCommandRunner}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
}

type ffprobeFormat struct {
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

type ffprobePayload struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

// Probe returns the duration, size, and stream layout of a media file. A
// missing ffprobe binary yields services.ErrProbeToolMissing; without it no
// local file can be identified, so callers treat that as fatal.
func (c *Client) Probe(ctx context.Context, path string) (media.ProbeResult, error) {
	if _, err := exec.LookPath(c.binary); err != nil {
		return media.ProbeResult{}, services.Wrap(services.ErrProbeToolMissing,
			"probe", "lookup", fmt.Sprintf("%s not found on PATH", c.binary), err)
	}

	out, err := c.run(ctx, c.binary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return media.ProbeResult{}, services.Wrap(services.ErrExternalTool, "probe", "run", path, err)
	}

	var payload ffprobePayload
	if err := json.Unmarshal(out, &payload); err != nil {
		return media.ProbeResult{}, services.Wrap(services.ErrExternalTool, "probe", "parse", path, err)
	}

	result := media.ProbeResult{Container: payload.Format.FormatName}
	if payload.Format.Duration != "" {
		result.Duration, err = strconv.ParseFloat(payload.Format.Duration, 64)
		if err != nil {
			return media.ProbeResult{}, services.Wrap(services.ErrExternalTool, "probe", "parse",
				fmt.Sprintf("duration %q", payload.Format.Duration), err)
		}
	}
	if payload.Format.Size != "" {
		result.Filesize, err = strconv.ParseInt(payload.Format.Size, 10, 64)
		if err != nil {
			return media.ProbeResult{}, services.Wrap(services.ErrExternalTool, "probe", "parse",
				fmt.Sprintf("size %q", payload.Format.Size), err)
		}
	} else if info, statErr := os.Stat(path); statErr == nil {
		result.Filesize = info.Size()
	}
	for _, stream := range payload.Streams {
		if stream.CodecType == "video" {
			result.HasVideo = true
			break
		}
	}
	return result, nil
}

func defaultCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
