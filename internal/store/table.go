package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Record is one JSON document plus the columns the store indexes.
// Scope holds the secondary lookup key per kind: the raw source string for
// media, the owning media id for captions, the family for model settings.
// BackupPath, when set, is the snapshot location relative to the library dir.
type Record struct {
	ID         string
	Scope      string
	Created    string
	BackupPath string
	Body       json.RawMessage
}

// Table provides document operations for one entity kind.
type Table struct {
	store *Store
	kind  string
	name  string
}

// Predicate selects records. A nil predicate matches everything.
type Predicate func(Record) bool

const recordColumns = "id, scope, created_at, backup_path, body"

func scanRecord(scanner interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var body string
	if err := scanner.Scan(&rec.ID, &rec.Scope, &rec.Created, &rec.BackupPath, &body); err != nil {
		return Record{}, err
	}
	rec.Body = json.RawMessage(body)
	return rec, nil
}

// GetByID fetches a record by primary key. Returns nil when absent.
func (t *Table) GetByID(ctx context.Context, id string) (*Record, error) {
	row := t.store.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM "+t.name+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s record: %w", t.kind, err)
	}
	return &rec, nil
}

// Get returns the first record matching the predicate, newest first.
func (t *Table) Get(ctx context.Context, pred Predicate) (*Record, error) {
	records, err := t.Search(ctx, pred)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// Search returns all records matching the predicate ordered by creation time
// descending.
func (t *Table) Search(ctx context.Context, pred Predicate) ([]Record, error) {
	rows, err := t.store.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM "+t.name+" ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", t.kind, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s record: %w", t.kind, err)
		}
		if pred == nil || pred(rec) {
			records = append(records, rec)
		}
	}
	return records, rows.Err()
}

// SearchScope returns all records with the given scope, newest first.
func (t *Table) SearchScope(ctx context.Context, scope string) ([]Record, error) {
	rows, err := t.store.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM "+t.name+" WHERE scope = ? ORDER BY created_at DESC, id", scope)
	if err != nil {
		return nil, fmt.Errorf("query %s records by scope: %w", t.kind, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s record: %w", t.kind, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of records in the table.
func (t *Table) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.store.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+t.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s records: %w", t.kind, err)
	}
	return n, nil
}

// Upsert inserts or replaces the record by id. When the record carries a
// backup path, the snapshot file is written in the same call so the store and
// the on-disk backups never diverge.
func (t *Table) Upsert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("record id required")
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+t.name+` (id, scope, created_at, backup_path, body)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             scope = excluded.scope,
             created_at = excluded.created_at,
             backup_path = excluded.backup_path,
             body = excluded.body`,
		rec.ID, rec.Scope, rec.Created, rec.BackupPath, string(rec.Body))
	if err != nil {
		return fmt.Errorf("upsert %s record: %w", t.kind, err)
	}

	// The snapshot goes down before the row commits. A rebuild trusts the
	// backups, so a row must never exist without its snapshot.
	if rec.BackupPath != "" {
		if err := t.writeBackup(rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Remove deletes all records matching the predicate along with their backup
// snapshots. It returns the number of records removed.
func (t *Table) Remove(ctx context.Context, pred Predicate) (int, error) {
	matches, err := t.Search(ctx, pred)
	if err != nil {
		return 0, err
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, rec := range matches {
		if _, err := t.store.db.ExecContext(ctx,
			"DELETE FROM "+t.name+" WHERE id = ?", rec.ID); err != nil {
			return 0, fmt.Errorf("delete %s record: %w", t.kind, err)
		}
		if rec.BackupPath != "" {
			backupAbs := filepath.Join(t.store.libDir, rec.BackupPath)
			if err := os.Remove(backupAbs); err != nil && !os.IsNotExist(err) {
				return 0, fmt.Errorf("remove backup %s: %w", backupAbs, err)
			}
		}
	}
	return len(matches), nil
}

// RemoveByID deletes a single record and its backup snapshot. Missing records
// are a no-op.
func (t *Table) RemoveByID(ctx context.Context, id string) error {
	rec, err := t.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	_, err = t.Remove(ctx, func(r Record) bool { return r.ID == id })
	return err
}

// InsertMany bulk-inserts records without touching backup files. Used by the
// recovery path, where the backups are the input.
func (t *Table) InsertMany(ctx context.Context, records []Record) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		if err := insertRecord(ctx, tx, t.name, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRecord(ctx context.Context, tx *sql.Tx, table string, rec Record) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO "+table+" (id, scope, created_at, backup_path, body) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Scope, rec.Created, rec.BackupPath, string(rec.Body))
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (t *Table) writeBackup(rec Record) error {
	path := filepath.Join(t.store.libDir, rec.BackupPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure backup directory: %w", err)
	}
	if err := os.WriteFile(path, rec.Body, 0o644); err != nil {
		return fmt.Errorf("write backup %s: %w", path, err)
	}
	return nil
}
