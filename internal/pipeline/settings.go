package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"waterlog/internal/config"
	"waterlog/internal/identity"
	"waterlog/internal/store"
)

// Settings roles persisted in the store.
const (
	RoleTranscriber = "transcriber"
	RoleEmbedder    = "embedder"
	RoleIndexer     = "indexer"
)

// TranscriberSettings fix one transcription configuration. The full struct
// participates in the captions id hash, so any changed field produces a new
// caption track instead of silently overwriting an old one.
type TranscriberSettings struct {
	Family      string  `json:"family"`
	Model       string  `json:"model"`
	Task        string  `json:"task"`
	Language    string  `json:"language"`
	Temperature float64 `json:"temperature"`
	BestOf      int     `json:"best_of"`
	BeamSize    int     `json:"beam_size"`
}

// Identity returns the engine identity, e.g. "whisper:base".
func (s TranscriberSettings) Identity() string {
	return s.Family + ":" + s.Model
}

// Canonical returns the stable serialization used for hashing and persistence.
func (s TranscriberSettings) Canonical() (string, error) {
	return identity.CanonicalJSON(s)
}

// EmbedderSettings fix one embedding configuration. The model identity alone
// partitions cache files and index files.
type EmbedderSettings struct {
	Family string `json:"family"`
	Model  string `json:"model"`
}

// Identity returns the model identity used for cache keys and index files.
func (s EmbedderSettings) Identity() string {
	return s.Model
}

// Canonical returns the stable serialization used for hashing and persistence.
func (s EmbedderSettings) Canonical() (string, error) {
	return identity.CanonicalJSON(s)
}

// IndexerSettings fix the structure of one vector index. M and EfConstruction
// are structural and participate in the index params id; EfSearch is a query
// knob and does not.
type IndexerSettings struct {
	Family          string `json:"family"`
	M               int    `json:"m"`
	EfConstruction  int    `json:"ef_construction"`
	EfSearch        int    `json:"ef_search"`
	MaxElements     int    `json:"max_elements"`
	EmbeddingSource string `json:"embedding_source"`
}

// ParamsID returns the id versioning index files by structural parameters.
func (s IndexerSettings) ParamsID() string {
	return identity.IndexParamsID(s.M, s.EfConstruction)
}

// Canonical returns the stable serialization used for hashing and persistence.
func (s IndexerSettings) Canonical() (string, error) {
	return identity.CanonicalJSON(s)
}

// TranscriberSettingsFromConfig builds transcriber settings from config
// defaults.
func TranscriberSettingsFromConfig(cfg *config.Config) TranscriberSettings {
	return TranscriberSettings{
		Family:      cfg.Transcriber.Family,
		Model:       cfg.Transcriber.Model,
		Task:        cfg.Transcriber.Task,
		Language:    cfg.Transcriber.Language,
		Temperature: cfg.Transcriber.Temperature,
		BestOf:      cfg.Transcriber.BestOf,
		BeamSize:    cfg.Transcriber.BeamSize,
	}
}

// IndexerSettingsFromConfig builds indexer settings from config defaults. The
// embedding source is filled by the orchestrator from the active embedder.
func IndexerSettingsFromConfig(cfg *config.Config) IndexerSettings {
	return IndexerSettings{
		Family:         cfg.Indexer.Family,
		M:              cfg.Indexer.M,
		EfConstruction: cfg.Indexer.EfConstruction,
		EfSearch:       cfg.Indexer.EfSearch,
		MaxElements:    cfg.Indexer.MaxElements,
	}
}

// SettingsStore persists the last-used settings per role so reopened
// libraries default to what they were built with.
type SettingsStore struct {
	table *store.Table
}

// NewSettingsStore returns a settings store over the given metadata store.
func NewSettingsStore(st *store.Store) *SettingsStore {
	return &SettingsStore{table: st.Table(store.KindModelSettings)}
}

type settingsRecord struct {
	ID       string          `json:"id"`
	Family   string          `json:"family"`
	Settings json.RawMessage `json:"settings"`
	Created  string          `json:"created"`
}

// Save records the settings for a role, replacing any previous snapshot.
func (s *SettingsStore) Save(ctx context.Context, role, family string, settings interface{ Canonical() (string, error) }) error {
	canonical, err := settings.Canonical()
	if err != nil {
		return fmt.Errorf("canonicalize %s settings: %w", role, err)
	}
	created := time.Now().UTC().Format(time.RFC3339Nano)
	body, err := json.Marshal(settingsRecord{
		ID:       role,
		Family:   family,
		Settings: json.RawMessage(canonical),
		Created:  created,
	})
	if err != nil {
		return fmt.Errorf("encode %s settings: %w", role, err)
	}
	return s.table.Upsert(ctx, store.Record{
		ID:      role,
		Scope:   family,
		Created: created,
		Body:    body,
	})
}

// Load fills out with the persisted settings for a role. Returns false when
// no snapshot exists.
func (s *SettingsStore) Load(ctx context.Context, role string, out any) (bool, error) {
	rec, err := s.table.GetByID(ctx, role)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	var stored settingsRecord
	if err := json.Unmarshal(rec.Body, &stored); err != nil {
		return false, fmt.Errorf("decode %s settings: %w", role, err)
	}
	if err := json.Unmarshal(stored.Settings, out); err != nil {
		return false, fmt.Errorf("decode %s settings payload: %w", role, err)
	}
	return true, nil
}
