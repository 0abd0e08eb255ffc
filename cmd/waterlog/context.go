package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"waterlog/internal/captions"
	"waterlog/internal/config"
	"waterlog/internal/logging"
	"waterlog/internal/media"
	"waterlog/internal/pipeline"
	"waterlog/internal/services"
	"waterlog/internal/services/fetcher"
	"waterlog/internal/services/openaiembed"
	"waterlog/internal/services/probe"
	"waterlog/internal/services/whisper"
	"waterlog/internal/store"
)

// storeVersion marks the metadata schema generation. A library written by an
// older version is rebuilt from its backup snapshots on open.
const storeVersion = "0.3.0"

type commandContext struct {
	configFlag  *string
	libraryFlag *string
	levelFlag   *string
	formatFlag  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag, libraryFlag, levelFlag, formatFlag *string) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		libraryFlag: libraryFlag,
		levelFlag:   levelFlag,
		formatFlag:  formatFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.libraryFlag != nil && strings.TrimSpace(*c.libraryFlag) != "" {
			cfg.Paths.Library = strings.TrimSpace(*c.libraryFlag)
		}
		if c.levelFlag != nil && *c.levelFlag != "" {
			cfg.Logging.Level = *c.levelFlag
		}
		if c.formatFlag != nil && *c.formatFlag != "" {
			cfg.Logging.Format = *c.formatFlag
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// ensureLogger builds the process logger on stderr so tables and search
// results own stdout.
func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		logger, err := logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: os.Stderr,
		})
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger = logger
	})
	return c.logger, c.loggerErr
}

// appEnv bundles the opened store and catalogs a command operates on.
type appEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	media    *media.Catalog
	captions *captions.Catalog
}

// withEnv opens the active library and hands the catalogs to fn, closing the
// store when fn returns.
func (c *commandContext) withEnv(fn func(*appEnv) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.LibraryDir(), storeVersion, logger)
	if err != nil {
		return fmt.Errorf("open library %q: %w", cfg.Paths.Library, err)
	}
	defer st.Close()

	caps := captions.NewCatalog(st, logger)
	fetch := fetcher.New(cfg.YtDlpBinary(), cfg.LibraryDir(), cfg.DownloadArchivePath(), logger)
	prober := probe.New(cfg.FFprobeBinary())
	med := media.NewCatalog(st, caps, fetch, prober, logger)

	return fn(&appEnv{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		media:    med,
		captions: caps,
	})
}

// orchestrator wires the pipeline over this environment. The embedder is only
// constructed when the command needs one, so transcription works without an
// API key.
func (e *appEnv) orchestrator(withEmbedder bool) (*pipeline.Orchestrator, error) {
	transcriber := whisper.New(e.cfg.WhisperBinary())
	var embedder pipeline.Embedder
	if withEmbedder {
		client, err := openaiembed.New(e.cfg.Embedder.APIKey, e.cfg.Embedder.Model)
		if err != nil {
			return nil, err
		}
		embedder = client
	}
	return pipeline.New(e.cfg, e.store, e.media, e.captions, transcriber, embedder, e.logger), nil
}

// mediaIDs resolves command arguments to media ids. No arguments selects the
// whole library.
func (e *appEnv) mediaIDs(ctx context.Context, refs []string) ([]string, error) {
	if len(refs) == 0 {
		entries, err := e.media.All(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(entries))
		for i, m := range entries {
			ids[i] = m.ID
		}
		return ids, nil
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		m, err := e.media.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", ref, err)
		}
		if m == nil {
			return nil, fmt.Errorf("media %q: %w", ref, services.ErrNotFound)
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
