// Package sqlstore implements store.Store on database/sql.
//
// Two drivers are supported:
//
//   - Local stores use the embedded SQLite driver (ncruces/go-sqlite3) with
//     WAL mode so that readers are not blocked while a sync session writes.
//   - Cloud stores use libSQL (tursodatabase/go-libsql) for libsql://,
//     http:// and https:// URLs. File URLs fall back to the SQLite driver,
//     which lets a second database file stand in for the cloud.
//
// Each entity type gets its own table:
//
//	id TEXT PRIMARY KEY, data TEXT (JSON fields),
//	created_at, created_by, updated_at, updated_by,
//	is_deleted, deleted_at, deleted_by,
//	modified_at (indexed with id for keyset paging)
//
// Timestamps are stored as fixed-width UTC text so lexical order matches
// time order.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/store"
)

const (
	driverSQLite = "sqlite3"
	driverLibSQL = "libsql"
)

// Store is a SQL-backed store.Store.
type Store struct {
	name   string
	driver string
	conn   *sql.DB

	mu      sync.Mutex
	ensured map[string]bool
}

var _ store.Store = (*Store)(nil)

// OpenLocal opens (creating if needed) the embedded SQLite database at path.
//
// The caller MUST call Close() when done.
func OpenLocal(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open("local", driverSQLite, fmt.Sprintf("file:%s", path))
}

// OpenCloud opens the cloud endpoint. libsql://, http:// and https:// URLs
// go through libSQL with authToken appended; anything else is treated as a
// SQLite file path.
func OpenCloud(url, authToken string) (*Store, error) {
	if isRemoteURL(url) {
		dsn := url
		if authToken != "" {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "authToken=" + authToken
		}
		return open("cloud", driverLibSQL, dsn)
	}

	path := strings.TrimPrefix(url, "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open("cloud", driverSQLite, fmt.Sprintf("file:%s", path))
}

func isRemoteURL(url string) bool {
	for _, prefix := range []string{"libsql://", "http://", "https://", "wss://", "ws://"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func open(name, driver, dsn string) (*Store, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", name, err)
	}

	s := &Store{
		name:    name,
		driver:  driver,
		conn:    conn,
		ensured: make(map[string]bool),
	}

	if driver == driverSQLite {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)

		if err := conn.Ping(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to ping %s database: %w", name, err)
		}

		pragmas := []struct{ stmt, what string }{
			{"PRAGMA journal_mode=WAL", "enable WAL mode"},
			{"PRAGMA busy_timeout=5000", "set busy timeout"},
			{"PRAGMA foreign_keys=ON", "enable foreign keys"},
		}
		for _, p := range pragmas {
			if _, err := conn.Exec(p.stmt); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("failed to %s: %w", p.what, err)
			}
		}
	}
	// Remote connections are established lazily so an offline device can
	// still open the store; reachability is reported by Ping.

	return s, nil
}

// Name implements store.Store.
func (s *Store) Name() string { return s.name }

// DB returns the underlying connection pool. The sync state tables share the
// local database through it.
func (s *Store) DB() *sql.DB { return s.conn }

// Close closes the connection, checkpointing the WAL for SQLite databases.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if s.driver == driverSQLite {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close %s database: %w", s.name, err)
	}
	s.conn = nil
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("%w: %s database is closed", store.ErrUnavailable, s.name)
	}
	var one int
	if err := s.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, s.name, err)
	}
	return nil
}

// EnsureEntity implements store.Store.
func (s *Store) EnsureEntity(ctx context.Context, entityName string) error {
	table, err := tableName(entityName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[entityName] {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			created_by TEXT,
			updated_at TEXT,
			updated_by TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at TEXT,
			deleted_by TEXT,
			modified_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdent("idx_"+entityName+"_modified") +
			` ON ` + table + `(modified_at, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare table for %s: %w", entityName, classify(ctx, err))
		}
	}

	s.ensured[entityName] = true
	return nil
}

const selectColumns = `id, data, created_at, created_by, updated_at, updated_by,
	is_deleted, deleted_at, deleted_by`

// List implements store.Store.
func (s *Store) List(ctx context.Context, entityName string, q store.Query) ([]*entity.Record, error) {
	table, err := tableName(entityName)
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []interface{}

	switch q.Deleted {
	case store.ExcludeDeleted:
		conditions = append(conditions, "is_deleted = 0")
	case store.OnlyDeleted:
		conditions = append(conditions, "is_deleted = 1")
	}

	if q.Since != nil {
		conditions = append(conditions, "modified_at >= ?")
		args = append(args, FormatTime(*q.Since))
	}

	if q.After != nil {
		after := FormatTime(q.After.ModifiedAt)
		conditions = append(conditions, "(modified_at > ? OR (modified_at = ? AND id > ?))")
		args = append(args, after, after, q.After.ID)
	}

	query := `SELECT ` + selectColumns + ` FROM ` + table
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY modified_at ASC, id ASC"

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entityName, classify(ctx, err))
	}
	defer rows.Close()

	var records []*entity.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", entityName, classify(ctx, err))
	}
	return records, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, entityName, id string) (*entity.Record, error) {
	table, err := tableName(entityName)
	if err != nil {
		return nil, err
	}

	row := s.conn.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM `+table+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityName, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", entityName, id, classify(ctx, err))
	}
	return rec, nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(ctx context.Context, entityName string, rec *entity.Record) error {
	table, err := tableName(entityName)
	if err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record id is required", store.ErrRejected)
	}

	data, err := encodeFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal fields of %s/%s: %v", store.ErrRejected, entityName, rec.ID, err)
	}

	query := `
	INSERT INTO ` + table + ` (
		id, data, created_at, created_by, updated_at, updated_by,
		is_deleted, deleted_at, deleted_by, modified_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		data = excluded.data,
		created_at = excluded.created_at,
		created_by = excluded.created_by,
		updated_at = excluded.updated_at,
		updated_by = excluded.updated_by,
		is_deleted = excluded.is_deleted,
		deleted_at = excluded.deleted_at,
		deleted_by = excluded.deleted_by,
		modified_at = excluded.modified_at
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.ID,
		data,
		FormatTime(rec.CreatedAt),
		nullString(rec.CreatedBy),
		NullTime(rec.UpdatedAt),
		nullString(rec.UpdatedBy),
		boolToInt(rec.Deleted),
		NullTime(rec.DeletedAt),
		nullString(rec.DeletedBy),
		FormatTime(rec.ModifiedAt()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", entityName, rec.ID, classify(ctx, err))
	}
	return nil
}

// SoftDelete implements store.Store.
func (s *Store) SoftDelete(ctx context.Context, entityName, id string, at time.Time, by string) error {
	table, err := tableName(entityName)
	if err != nil {
		return err
	}

	// modified_at must not move backwards when an older deletion is applied.
	query := `
	UPDATE ` + table + ` SET
		is_deleted = 1,
		deleted_at = ?,
		deleted_by = ?,
		modified_at = MAX(modified_at, ?)
	WHERE id = ?
	`
	ts := FormatTime(at)
	res, err := s.conn.ExecContext(ctx, query, ts, nullString(by), ts, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", entityName, id, classify(ctx, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", entityName, id, classify(ctx, err))
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityName, id)
	}
	return nil
}

func tableName(entityName string) (string, error) {
	if !entity.ValidName(entityName) {
		return "", fmt.Errorf("invalid entity name %q", entityName)
	}
	return quoteIdent(entityName), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*entity.Record, error) {
	var (
		rec                  entity.Record
		data, createdAt      string
		createdBy, updatedBy sql.NullString
		deletedBy            sql.NullString
		updatedAt, deletedAt sql.NullString
		isDeleted            int
	)

	err := row.Scan(
		&rec.ID,
		&data,
		&createdAt,
		&createdBy,
		&updatedAt,
		&updatedBy,
		&isDeleted,
		&deletedAt,
		&deletedBy,
	)
	if err != nil {
		return nil, err
	}

	created, err := ParseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at of %s: %w", rec.ID, err)
	}
	rec.CreatedAt = created
	rec.CreatedBy = createdBy.String
	if rec.UpdatedAt, err = ParseNullTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", rec.ID, err)
	}
	rec.UpdatedBy = updatedBy.String
	rec.Deleted = isDeleted != 0
	if rec.DeletedAt, err = ParseNullTime(deletedAt); err != nil {
		return nil, fmt.Errorf("failed to parse deleted_at of %s: %w", rec.ID, err)
	}
	rec.DeletedBy = deletedBy.String

	fields, err := decodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields of %s: %w", rec.ID, err)
	}
	rec.Fields = fields

	return &rec, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func decodeFields(data string) (map[string]any, error) {
	fields := make(map[string]any)
	if data == "" || data == "null" {
		return fields, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
