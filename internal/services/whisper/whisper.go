// Package whisper runs the whisper CLI to produce caption tracks.
package whisper

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"waterlog/internal/fileutil"
	"waterlog/internal/services"
)

type commandRunner func(ctx context.Context, name string, args ...string) error

// Request describes one transcription run. OutputPath is the final location
// of the VTT file.
type Request struct {
	AudioPath  string
	OutputPath string

	Model       string
	Task        string
	Language    string
	Temperature float64
	BestOf      int
	BeamSize    int
}

// Client shells out to the whisper CLI.
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

// New returns a transcription client using the given whisper binary name.
func New(binary string, opts ...Option) *Client {
	c := &Client{binary: binary, run: defaultCommandRunner}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transcribe runs whisper over the audio file and moves the resulting VTT to
// the requested output path. The CLI names its output after the input file
// stem, so the run happens in a scratch directory and only the finished track
// lands in the library.
func (c *Client) Transcribe(ctx context.Context, req Request) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return services.Wrap(services.ErrConfiguration, "transcribe", "lookup",
			fmt.Sprintf("%s not found on PATH", c.binary), err)
	}

	workDir, err := os.MkdirTemp("", "waterlog-whisper-*")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := c.run(ctx, c.binary, buildArgs(req, workDir)...); err != nil {
		return services.Wrap(services.ErrExternalTool, "transcribe", "run", req.AudioPath, err)
	}

	stem := strings.TrimSuffix(filepath.Base(req.AudioPath), filepath.Ext(req.AudioPath))
	produced := filepath.Join(workDir, stem+".vtt")
	if _, err := os.Stat(produced); err != nil {
		return services.Wrap(services.ErrExternalTool, "transcribe", "collect",
			fmt.Sprintf("expected output %s", produced), err)
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := fileutil.MoveFile(produced, req.OutputPath); err != nil {
		return fmt.Errorf("move transcription into library: %w", err)
	}
	return nil
}

func buildArgs(req Request, outputDir string) []string {
	args := []string{
		req.AudioPath,
		"--model", req.Model,
		"--task", req.Task,
		"--output_dir", outputDir,
		"--output_format", "vtt",
		"--temperature", strconv.FormatFloat(req.Temperature, 'f', -1, 64),
		"--verbose", "False",
	}
	if req.BestOf > 0 {
		args = append(args, "--best_of", strconv.Itoa(req.BestOf))
	}
	if req.BeamSize > 0 {
		args = append(args, "--beam_size", strconv.Itoa(req.BeamSize))
	}
	// Empty language leaves detection to the model.
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	return args
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
