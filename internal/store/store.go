package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"waterlog/internal/logging"
)

// Entity kinds with dedicated tables.
const (
	KindMedia         = "media"
	KindCaptions      = "captions"
	KindModelSettings = "model_settings"
)

// BackupDirName is the reserved subdirectory holding per-record JSON snapshots.
const BackupDirName = ".bkup"

// Backup file suffixes per entity kind.
const (
	MediaBackupSuffix    = ".media.json"
	CaptionsBackupSuffix = ".captions.json"
)

const dbFileName = "metadata.db"

var tableKinds = []string{KindMedia, KindCaptions, KindModelSettings}

// Store manages metadata persistence for one library, backed by SQLite.
type Store struct {
	db      *sql.DB
	libDir  string
	version string
	logger  *slog.Logger

	// mu linearizes mutations so store rows and backup files stay consistent.
	mu sync.Mutex
}

// Open connects to the library's metadata database. When the store is absent
// or its recorded version is older than version, the tables are rebuilt from
// the backup snapshots under the library directory.
func Open(libDir, version string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure library directory: %w", err)
	}

	dbPath := filepath.Join(libDir, dbFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, libDir: libDir, version: version, logger: logger}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LibraryDir returns the library directory this store serves.
func (s *Store) LibraryDir() string {
	return s.libDir
}

// Table returns the table for the given entity kind.
func (s *Store) Table(kind string) *Table {
	return &Table{store: s, kind: kind, name: tableName(kind)}
}

func tableName(kind string) string {
	// Kind names are code-controlled; keep the guard anyway since the kind
	// is interpolated into SQL.
	var b strings.Builder
	for _, r := range kind {
		if (r >= 'a' && r <= 'z') || r == '_' {
			b.WriteRune(r)
		}
	}
	return "doc_" + b.String()
}

func (s *Store) init(ctx context.Context) error {
	storedVersion, err := s.readMetaVersion(ctx)
	if err != nil {
		return err
	}

	if storedVersion != "" && compareVersions(storedVersion, s.version) >= 0 {
		return nil
	}

	if storedVersion != "" {
		s.logger.Info("metadata store is stale, rebuilding",
			slog.String("stored_version", storedVersion),
			slog.String("running_version", s.version))
	}
	return s.rebuild(ctx)
}

// compareVersions orders dotted version strings by numeric segment, so
// "0.10.0" sorts after "0.9.0". Missing segments count as zero; segments that
// are not plain numbers fall back to string order.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		sa, sb := "0", "0"
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (s *Store) readMetaVersion(ctx context.Context) (string, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='store_meta'",
	).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("check meta table: %w", err)
	}
	if exists == 0 {
		return "", nil
	}

	var version string
	err = s.db.QueryRowContext(ctx, "SELECT version FROM store_meta LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		// An unreadable meta record is treated like a stale store: the
		// backups on disk are the durable source of truth.
		s.logger.Warn("failed to read store meta, forcing rebuild", slog.Any("error", err))
		return "", nil
	}
	return version, nil
}

// rebuild discards the current tables and reconstructs them from the backup
// snapshots under the library directory. This is the crash/version-migration
// recovery path.
func (s *Store) rebuild(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, kind := range tableKinds {
		name := tableName(kind)
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `CREATE TABLE `+name+` (
            id TEXT PRIMARY KEY,
            scope TEXT NOT NULL DEFAULT '',
            created_at TEXT NOT NULL DEFAULT '',
            backup_path TEXT NOT NULL DEFAULT '',
            body TEXT NOT NULL
        )`); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"CREATE INDEX idx_"+name+"_scope ON "+name+" (scope)"); err != nil {
			return fmt.Errorf("index table %s: %w", name, err)
		}
	}

	recovered := map[string]int{}
	for _, spec := range []struct {
		kind   string
		suffix string
	}{
		{KindMedia, MediaBackupSuffix},
		{KindCaptions, CaptionsBackupSuffix},
	} {
		records, err := s.scanBackups(spec.suffix)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := insertRecord(ctx, tx, tableName(spec.kind), rec); err != nil {
				return err
			}
		}
		recovered[spec.kind] = len(records)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS store_meta"); err != nil {
		return fmt.Errorf("drop meta table: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"CREATE TABLE store_meta (version TEXT NOT NULL, created_at TEXT NOT NULL)"); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO store_meta (version, created_at) VALUES (?, ?)",
		s.version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write meta record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}

	if recovered[KindMedia] > 0 || recovered[KindCaptions] > 0 {
		s.logger.Info("recovered metadata from backups",
			slog.Int("media", recovered[KindMedia]),
			slog.Int("captions", recovered[KindCaptions]))
	}
	return nil
}

// scanBackups walks the library directory for backup snapshots with the given
// suffix and loads them as records.
func (s *Store) scanBackups(suffix string) ([]Record, error) {
	var records []Record
	err := filepath.WalkDir(s.libDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != BackupDirName {
			return nil
		}

		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read backup %s: %w", path, err)
		}
		rel, err := filepath.Rel(s.libDir, path)
		if err != nil {
			return fmt.Errorf("relativize backup %s: %w", path, err)
		}

		rec, err := recordFromBody(body, rel)
		if err != nil {
			s.logger.Warn("skipping unreadable backup snapshot",
				slog.String("path", path), slog.Any("error", err))
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan backups: %w", err)
	}
	return records, nil
}

// recordFromBody extracts the indexed columns from a backup snapshot body.
func recordFromBody(body []byte, backupPath string) (Record, error) {
	var peek struct {
		ID      string `json:"id"`
		Src     string `json:"src"`
		MediaID string `json:"media_id"`
		Created string `json:"created"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return Record{}, err
	}
	if peek.ID == "" {
		return Record{}, errors.New("snapshot missing id")
	}
	scope := peek.Src
	if peek.MediaID != "" {
		scope = peek.MediaID
	}
	return Record{
		ID:         peek.ID,
		Scope:      scope,
		Created:    peek.Created,
		BackupPath: backupPath,
		Body:       json.RawMessage(body),
	}, nil
}
