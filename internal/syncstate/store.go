package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store/sqlstore"
)

var (
	// ErrNotFound is returned when a metadata row or log entry does not exist.
	ErrNotFound = errors.New("sync state not found")

	// ErrLogFinalized is returned when finishing a session that already finished.
	ErrLogFinalized = errors.New("sync log already finalized")
)

// Store reads and writes sync metadata and sync logs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens sync state on db, creating the tables if needed. If now is nil,
// time.Now is used for row timestamps.
func New(ctx context.Context, db *sql.DB, now func() time.Time) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if now == nil {
		now = time.Now
	}
	s := &Store{db: db, now: now}
	if err := s.InitSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// InitSchema creates the sync_metadata and sync_log tables. It is idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS sync_metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_name TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		last_synced_at TEXT,
		data_hash TEXT NOT NULL DEFAULT '',
		sync_direction TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT,
		is_local_only INTEGER NOT NULL DEFAULT 0,
		conflict_resolution TEXT NOT NULL DEFAULT '',
		conflict_detected_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (entity_name, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_metadata_status ON sync_metadata(status);
	CREATE INDEX IF NOT EXISTS idx_sync_metadata_synced
	    ON sync_metadata(entity_name, last_synced_at);

	CREATE TABLE IF NOT EXISTS sync_log (
		session_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		sync_type TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		entities_synced INTEGER NOT NULL DEFAULT 0,
		entities_failed INTEGER NOT NULL DEFAULT 0,
		conflicts_detected INTEGER NOT NULL DEFAULT 0,
		conflicts_resolved INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		initiated_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at);
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize sync state schema: %w", err)
	}
	return nil
}

const metadataColumns = `id, entity_name, entity_id, last_synced_at, data_hash,
	sync_direction, status, error_message, retry_count, next_retry_at,
	is_local_only, conflict_resolution, conflict_detected_at, created_at, updated_at`

// Get returns the metadata of one record, or nil if none exists yet.
func (s *Store) Get(ctx context.Context, entityName, entityID string) (*schema.SyncMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+metadataColumns+` FROM sync_metadata WHERE entity_name = ? AND entity_id = ?`,
		entityName, entityID)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %s/%s: %w", entityName, entityID, err)
	}
	return m, nil
}

// GetByID returns the metadata row with the given identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*schema.SyncMetadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM sync_metadata WHERE id = ?`, id)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: metadata %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %d: %w", id, err)
	}
	return m, nil
}

// Save inserts or updates m, keyed by (EntityName, EntityID). On return
// m.ID, m.CreatedAt and m.UpdatedAt reflect the stored row.
func (s *Store) Save(ctx context.Context, m *schema.SyncMetadata) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}

	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	query := `
	INSERT INTO sync_metadata (
		entity_name, entity_id, last_synced_at, data_hash, sync_direction,
		status, error_message, retry_count, next_retry_at, is_local_only,
		conflict_resolution, conflict_detected_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_name, entity_id) DO UPDATE SET
		last_synced_at = excluded.last_synced_at,
		data_hash = excluded.data_hash,
		sync_direction = excluded.sync_direction,
		status = excluded.status,
		error_message = excluded.error_message,
		retry_count = excluded.retry_count,
		next_retry_at = excluded.next_retry_at,
		is_local_only = excluded.is_local_only,
		conflict_resolution = excluded.conflict_resolution,
		conflict_detected_at = excluded.conflict_detected_at,
		updated_at = excluded.updated_at
	RETURNING id, created_at
	`

	var createdAt string
	err := s.db.QueryRowContext(ctx, query,
		m.EntityName,
		m.EntityID,
		sqlstore.NullTime(m.LastSyncedAt),
		m.DataHash,
		string(m.SyncDirection),
		string(m.Status),
		m.ErrorMessage,
		m.RetryCount,
		sqlstore.NullTime(m.NextRetryAt),
		boolToInt(m.IsLocalOnly),
		string(m.ConflictResolution),
		sqlstore.NullTime(m.ConflictDetectedAt),
		sqlstore.FormatTime(m.CreatedAt),
		sqlstore.FormatTime(m.UpdatedAt),
	).Scan(&m.ID, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to save metadata %s/%s: %w", m.EntityName, m.EntityID, err)
	}
	if t, err := sqlstore.ParseTime(createdAt); err == nil {
		m.CreatedAt = t
	}
	return nil
}

// MarkSynced records that a record is in sync with content hash at time at.
// Retry and conflict state is cleared. A row is created if none exists.
func (s *Store) MarkSynced(ctx context.Context, entityName, entityID, hash string, direction schema.Direction, at time.Time) error {
	m, err := s.Get(ctx, entityName, entityID)
	if err != nil {
		return err
	}
	if m == nil {
		m = &schema.SyncMetadata{EntityName: entityName, EntityID: entityID, Status: schema.StatusPending}
	}
	if m.Status != schema.StatusInProgress {
		if err := Claim(m); err != nil {
			return err
		}
	}
	if err := Advance(m, EventComplete); err != nil {
		return err
	}

	at = at.UTC()
	m.LastSyncedAt = &at
	m.DataHash = hash
	m.SyncDirection = direction
	m.ErrorMessage = ""
	m.RetryCount = 0
	m.NextRetryAt = nil
	m.IsLocalOnly = false
	m.ConflictDetectedAt = nil
	return s.Save(ctx, m)
}

// ListRetryable returns the rows of entityName that are due for another
// attempt at now: pending rows, and failed rows under maxRetries whose
// nextRetryAt has elapsed.
func (s *Store) ListRetryable(ctx context.Context, entityName string, now time.Time, maxRetries int) ([]*schema.SyncMetadata, error) {
	query := `SELECT ` + metadataColumns + ` FROM sync_metadata
	WHERE entity_name = ?
	  AND (status = 'pending'
	       OR (status = 'failed' AND retry_count < ?
	           AND (next_retry_at IS NULL OR next_retry_at <= ?)))
	ORDER BY entity_id`
	return s.queryMetadata(ctx, query, entityName, maxRetries, sqlstore.FormatTime(now))
}

// ListByStatus returns rows in status, oldest update first. An empty
// entityName matches every entity type; limit <= 0 means no limit.
func (s *Store) ListByStatus(ctx context.Context, status schema.SyncStatus, entityName string, limit int) ([]*schema.SyncMetadata, error) {
	var (
		where = []string{"status = ?"}
		args  = []any{string(status)}
	)
	if entityName != "" {
		where = append(where, "entity_name = ?")
		args = append(args, entityName)
	}
	query := `SELECT ` + metadataColumns + ` FROM sync_metadata WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY updated_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMetadata(ctx, query, args...)
}

// ListConflicts returns unresolved conflicts. An empty entityName matches
// every entity type.
func (s *Store) ListConflicts(ctx context.Context, entityName string) ([]*schema.SyncMetadata, error) {
	return s.ListByStatus(ctx, schema.StatusConflict, entityName, 0)
}

// LastSyncedAt returns the latest lastSyncedAt of entityName, or nil if no
// record of that type has synced yet.
func (s *Store) LastSyncedAt(ctx context.Context, entityName string) (*time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_synced_at) FROM sync_metadata WHERE entity_name = ?`, entityName).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync time of %s: %w", entityName, err)
	}
	t, err := sqlstore.ParseNullTime(last)
	if err != nil {
		return nil, fmt.Errorf("invalid last_synced_at %q for %s: %w", last.String, entityName, err)
	}
	return t, nil
}

// CountByStatus returns the number of rows per status.
func (s *Store) CountByStatus(ctx context.Context) (map[schema.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_metadata GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count metadata: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan metadata count: %w", err)
		}
		counts[schema.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// PendingCount returns the number of records still waiting to reach the
// other side: pending, in progress or failed.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[schema.StatusPending] + counts[schema.StatusInProgress] + counts[schema.StatusFailed], nil
}

// ResetInProgress releases rows left in_progress by a session that never
// finished, returning how many were reset.
func (s *Store) ResetInProgress(ctx context.Context) (int64, error) {
	next, err := Next(schema.StatusInProgress, EventReset)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_metadata SET status = ?, updated_at = ? WHERE status = ?`,
		string(next), sqlstore.FormatTime(s.now()), string(schema.StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-progress metadata: %w", err)
	}
	return res.RowsAffected()
}

// Requeue puts a failed row back in the queue with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, id int64) (*schema.SyncMetadata, error) {
	m, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Advance(m, EventRetry); err != nil {
		return nil, err
	}
	m.RetryCount = 0
	m.NextRetryAt = nil
	m.ErrorMessage = ""
	if err := s.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) queryMetadata(ctx context.Context, query string, args ...any) ([]*schema.SyncMetadata, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	var out []*schema.SyncMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row scanner) (*schema.SyncMetadata, error) {
	var (
		m                  schema.SyncMetadata
		lastSyncedAt       sql.NullString
		direction          string
		status             string
		nextRetryAt        sql.NullString
		isLocalOnly        int
		resolution         string
		conflictDetectedAt sql.NullString
		createdAt          string
		updatedAt          string
	)
	err := row.Scan(
		&m.ID,
		&m.EntityName,
		&m.EntityID,
		&lastSyncedAt,
		&m.DataHash,
		&direction,
		&status,
		&m.ErrorMessage,
		&m.RetryCount,
		&nextRetryAt,
		&isLocalOnly,
		&resolution,
		&conflictDetectedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if m.LastSyncedAt, err = sqlstore.ParseNullTime(lastSyncedAt); err != nil {
		return nil, fmt.Errorf("invalid last_synced_at %q: %w", lastSyncedAt.String, err)
	}
	m.SyncDirection = schema.Direction(direction)
	m.Status = schema.SyncStatus(status)
	if m.NextRetryAt, err = sqlstore.ParseNullTime(nextRetryAt); err != nil {
		return nil, fmt.Errorf("invalid next_retry_at %q: %w", nextRetryAt.String, err)
	}
	m.IsLocalOnly = isLocalOnly != 0
	m.ConflictResolution = schema.ConflictStrategy(resolution)
	if m.ConflictDetectedAt, err = sqlstore.ParseNullTime(conflictDetectedAt); err != nil {
		return nil, fmt.Errorf("invalid conflict_detected_at %q: %w", conflictDetectedAt.String, err)
	}
	if m.CreatedAt, err = sqlstore.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if m.UpdatedAt, err = sqlstore.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
