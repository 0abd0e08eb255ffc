package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	Library string `toml:"library"`
}

// Fetch contains configuration for media acquisition via yt-dlp.
type Fetch struct {
	AudioOnly     bool     `toml:"audio_only"`
	LowQuality    bool     `toml:"low_quality"`
	SubtitleLangs []string `toml:"subtitle_langs"`
}

// Transcriber contains defaults for the transcription engine.
type Transcriber struct {
	Family      string  `toml:"family"`
	Model       string  `toml:"model"`
	Task        string  `toml:"task"`
	Language    string  `toml:"language"`
	Temperature float64 `toml:"temperature"`
	BestOf      int     `toml:"best_of"`
	BeamSize    int     `toml:"beam_size"`
}

// Embedder contains defaults for the embedding engine.
type Embedder struct {
	Family string `toml:"family"`
	Model  string `toml:"model"`
	// APIKey is normally supplied via the OPENAI_API_KEY environment
	// variable or a .env file rather than the config file.
	APIKey string `toml:"api_key"`
}

// Indexer contains structural defaults for the vector index.
type Indexer struct {
	Family         string `toml:"family"`
	M              int    `toml:"m"`
	EfConstruction int    `toml:"ef_construction"`
	EfSearch       int    `toml:"ef_search"`
	MaxElements    int    `toml:"max_elements"`
}

// Pipeline contains orchestration toggles.
type Pipeline struct {
	KeepModelsInMemory bool `toml:"keep_models_in_memory"`
	IgnoreCaptioned    bool `toml:"ignore_captioned"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for waterlog.
//
// Configuration sections by subsystem:
//   - Paths: data directory and active library name
//   - Fetch: yt-dlp download preferences
//   - Transcriber/Embedder/Indexer: engine defaults per model family
//   - Pipeline: orchestration toggles
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	Fetch       Fetch       `toml:"fetch"`
	Transcriber Transcriber `toml:"transcriber"`
	Embedder    Embedder    `toml:"embedder"`
	Indexer     Indexer     `toml:"indexer"`
	Pipeline    Pipeline    `toml:"pipeline"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/waterlog/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. A .env file in the
// working directory supplies environment overrides for secrets.
func Load(path string) (*Config, string, bool, error) {
	// Best-effort: absence of a .env file is the common case.
	_ = godotenv.Load()

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("waterlog.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	expanded, err := expandPath(c.Paths.DataDir)
	if err != nil {
		return err
	}
	c.Paths.DataDir = expanded
	c.Paths.Library = strings.TrimSpace(c.Paths.Library)

	if c.Embedder.APIKey == "" {
		c.Embedder.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	return nil
}

// LibraryDir returns the directory backing the active library.
func (c *Config) LibraryDir() string {
	return filepath.Join(c.Paths.DataDir, c.Paths.Library)
}

// DownloadArchivePath returns the yt-dlp download ledger for the active library.
func (c *Config) DownloadArchivePath() string {
	return filepath.Join(c.LibraryDir(), "downloaded_media.txt")
}

// EnsureDirectories creates the data and library directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.LibraryDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// YtDlpBinary returns the yt-dlp executable name.
func (c *Config) YtDlpBinary() string {
	return "yt-dlp"
}

// FFprobeBinary returns the ffprobe executable name used for media probing.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// WhisperBinary returns the whisper CLI executable name.
func (c *Config) WhisperBinary() string {
	return "whisper"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
