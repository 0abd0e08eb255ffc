package whisper_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"waterlog/internal/services"
	"waterlog/internal/services/whisper"
)

func TestTranscribeMovesOutputIntoPlace(t *testing.T) {
	outDir := t.TempDir()
	outputPath := filepath.Join(outDir, "talk::m1", "captions::whisper:base::en::cap1.vtt")

	var gotArgs []string
	runner := func(_ context.Context, _ string, args ...string) error {
		gotArgs = args
		// The CLI writes <stem>.vtt into --output_dir.
		for i, arg := range args {
			if arg == "--output_dir" {
				return os.WriteFile(filepath.Join(args[i+1], "media.vtt"), []byte("WEBVTT\n"), 0o644)
			}
		}
		t.Fatal("no --output_dir in args")
		return nil
	}

	client := whisper.New("sh", whisper.WithCommandRunner(runner))
	err := client.Transcribe(context.Background(), whisper.Request{
		AudioPath:   "/library/talk::m1/media.mp3",
		OutputPath:  outputPath,
		Model:       "base",
		Task:        "transcribe",
		Language:    "en",
		Temperature: 0,
		BestOf:      5,
		BeamSize:    5,
	})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		t.Fatalf("output not moved into place: %v", err)
	}

	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{
		"--model base", "--task transcribe", "--language en",
		"--best_of 5", "--beam_size 5", "--output_format vtt",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
}

func TestTranscribeOmitsEmptyLanguage(t *testing.T) {
	var gotArgs []string
	runner := func(_ context.Context, _ string, args ...string) error {
		gotArgs = args
		for i, arg := range args {
			if arg == "--output_dir" {
				return os.WriteFile(filepath.Join(args[i+1], "media.vtt"), []byte("WEBVTT\n"), 0o644)
			}
		}
		return nil
	}

	client := whisper.New("sh", whisper.WithCommandRunner(runner))
	err := client.Transcribe(context.Background(), whisper.Request{
		AudioPath:  "/library/talk::m1/media.mp3",
		OutputPath: filepath.Join(t.TempDir(), "out.vtt"),
		Model:      "base",
		Task:       "transcribe",
	})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if strings.Contains(strings.Join(gotArgs, " "), "--language") {
		t.Fatal("empty language should leave detection to the model")
	}
}

func TestTranscribeMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	client := whisper.New("whisper")
	err := client.Transcribe(context.Background(), whisper.Request{
		AudioPath:  "/tmp/a.mp3",
		OutputPath: filepath.Join(t.TempDir(), "out.vtt"),
		Model:      "base",
		Task:       "transcribe",
	})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestTranscribeToolFailure(t *testing.T) {
	runner := func(context.Context, string, ...string) error {
		return errors.New("model load failed")
	}
	client := whisper.New("sh", whisper.WithCommandRunner(runner))
	err := client.Transcribe(context.Background(), whisper.Request{
		AudioPath:  "/tmp/a.mp3",
		OutputPath: filepath.Join(t.TempDir(), "out.vtt"),
		Model:      "base",
		Task:       "transcribe",
	})
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected ErrExternalTool, got %v", err)
	}
}
