package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"waterlog/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing config")
	}
	if cfg.Paths.Library != "default" {
		t.Fatalf("unexpected default library: %q", cfg.Paths.Library)
	}
	if cfg.Indexer.M != 32 || cfg.Indexer.EfConstruction != 400 {
		t.Fatalf("unexpected indexer defaults: %+v", cfg.Indexer)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waterlog.toml")
	content := `
[paths]
data_dir = "` + dir + `/data"
library = "talks"

[transcriber]
model = "small"
language = "de"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("unexpected resolution: exists=%v path=%q", exists, resolved)
	}
	if cfg.Transcriber.Model != "small" || cfg.Transcriber.Language != "de" {
		t.Fatalf("overrides not applied: %+v", cfg.Transcriber)
	}
	if cfg.LibraryDir() != filepath.Join(dir, "data", "talks") {
		t.Fatalf("unexpected library dir: %q", cfg.LibraryDir())
	}
	if !strings.HasSuffix(cfg.DownloadArchivePath(), "downloaded_media.txt") {
		t.Fatalf("unexpected archive path: %q", cfg.DownloadArchivePath())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty library", func(c *config.Config) { c.Paths.Library = "" }},
		{"library with slash", func(c *config.Config) { c.Paths.Library = "a/b" }},
		{"unknown transcriber", func(c *config.Config) { c.Transcriber.Family = "festival" }},
		{"unknown embedder", func(c *config.Config) { c.Embedder.Family = "magic" }},
		{"unknown indexer", func(c *config.Config) { c.Indexer.Family = "flat" }},
		{"zero M", func(c *config.Config) { c.Indexer.M = 0 }},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[indexer]") {
		t.Fatal("sample config missing indexer section")
	}
}
