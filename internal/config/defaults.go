package config

const (
	defaultDataDir      = "~/.local/share/waterlog"
	defaultLibrary      = "default"
	defaultLogFormat    = "console"
	defaultLogLevel     = "info"
	defaultSubtitleLang = "en"

	defaultTranscriberFamily = "whisper"
	defaultTranscriberModel  = "base"
	defaultTranscriberTask   = "transcribe"

	defaultEmbedderFamily = "openai"
	defaultEmbedderModel  = "text-embedding-3-small"

	defaultIndexerFamily         = "hnsw"
	defaultIndexM                = 32
	defaultIndexEfConstruction   = 400
	defaultIndexEfSearch         = 50
	defaultIndexMaxElements      = 100000
	defaultTranscriberBestOf     = 5
	defaultTranscriberBeamSize   = 5
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			Library: defaultLibrary,
		},
		Fetch: Fetch{
			AudioOnly:     true,
			LowQuality:    true,
			SubtitleLangs: []string{defaultSubtitleLang},
		},
		Transcriber: Transcriber{
			Family:      defaultTranscriberFamily,
			Model:       defaultTranscriberModel,
			Task:        defaultTranscriberTask,
			Language:    defaultSubtitleLang,
			Temperature: 0.0,
			BestOf:      defaultTranscriberBestOf,
			BeamSize:    defaultTranscriberBeamSize,
		},
		Embedder: Embedder{
			Family: defaultEmbedderFamily,
			Model:  defaultEmbedderModel,
		},
		Indexer: Indexer{
			Family:         defaultIndexerFamily,
			M:              defaultIndexM,
			EfConstruction: defaultIndexEfConstruction,
			EfSearch:       defaultIndexEfSearch,
			MaxElements:    defaultIndexMaxElements,
		},
		Pipeline: Pipeline{
			KeepModelsInMemory: false,
			IgnoreCaptioned:    false,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
