package testsupport

import (
	"testing"

	"waterlog/internal/config"
	"waterlog/internal/logging"
	"waterlog/internal/store"
)

// StoreVersion is the schema version test stores open with.
const StoreVersion = "0.0.0-test"

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg.LibraryDir(), StoreVersion, logging.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}
