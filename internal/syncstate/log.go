package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store/sqlstore"
)

const logColumns = `session_id, started_at, completed_at, sync_type, direction, status,
	entities_synced, entities_failed, conflicts_detected, conflicts_resolved,
	error_message, details, device_id, initiated_by`

// BeginLog writes the in_progress row of a new session.
func (s *Store) BeginLog(ctx context.Context, l *schema.SyncLog) error {
	l.Status = schema.LogInProgress
	l.CompletedAt = nil
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid sync log: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sync_log (`+logColumns+`)
	VALUES (?, ?, NULL, ?, ?, ?, 0, 0, 0, 0, '', ?, ?, ?)`,
		l.SessionID,
		sqlstore.FormatTime(l.StartedAt),
		string(l.SyncType),
		string(l.Direction),
		string(l.Status),
		l.Details,
		l.DeviceID,
		l.InitiatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to write sync log %s: %w", l.SessionID, err)
	}
	return nil
}

// FinishLog writes the terminal state of a session. It fails with
// ErrLogFinalized if the session already finished.
func (s *Store) FinishLog(ctx context.Context, l *schema.SyncLog) error {
	if !l.Status.Terminal() {
		return fmt.Errorf("cannot finish sync log %s with status %s", l.SessionID, l.Status)
	}
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid sync log: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE sync_log SET
		completed_at = ?,
		status = ?,
		entities_synced = ?,
		entities_failed = ?,
		conflicts_detected = ?,
		conflicts_resolved = ?,
		error_message = ?,
		details = ?
	WHERE session_id = ? AND status = ?`,
		sqlstore.NullTime(l.CompletedAt),
		string(l.Status),
		l.EntitiesSynced,
		l.EntitiesFailed,
		l.ConflictsDetected,
		l.ConflictsResolved,
		l.ErrorMessage,
		l.Details,
		l.SessionID,
		string(schema.LogInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync log %s: %w", l.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish sync log %s: %w", l.SessionID, err)
	}
	if n == 0 {
		if _, err := s.GetLog(ctx, l.SessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrLogFinalized, l.SessionID)
	}
	return nil
}

// GetLog returns one session's log.
func (s *Store) GetLog(ctx context.Context, sessionID string) (*schema.SyncLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM sync_log WHERE session_id = ?`, sessionID)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync log %s: %w", sessionID, err)
	}
	return l, nil
}

// RecentLogs returns up to limit sessions, newest first. When since is set
// only sessions started at or after it are returned.
func (s *Store) RecentLogs(ctx context.Context, limit int, since *time.Time) ([]*schema.SyncLog, error) {
	query := `SELECT ` + logColumns + ` FROM sync_log`
	var args []any
	if since != nil {
		query += ` WHERE started_at >= ?`
		args = append(args, sqlstore.FormatTime(*since))
	}
	query += ` ORDER BY started_at DESC, session_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var out []*schema.SyncLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync log: %w", err)
	}
	return out, nil
}

// LastSyncTime returns when the most recent session that made progress
// finished, or nil if none has.
func (s *Store) LastSyncTime(ctx context.Context) (*time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(completed_at) FROM sync_log WHERE status IN (?, ?)`,
		string(schema.LogCompleted), string(schema.LogPartialSuccess)).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync time: %w", err)
	}
	t, err := sqlstore.ParseNullTime(last)
	if err != nil {
		return nil, fmt.Errorf("invalid completed_at %q: %w", last.String, err)
	}
	return t, nil
}

// AbandonRunningLogs fails every session still marked in_progress. It runs
// before a new session starts, when no other session of this process can
// be running.
func (s *Store) AbandonRunningLogs(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE sync_log SET status = ?, completed_at = ?, error_message = ?
	WHERE status = ?`,
		string(schema.LogFailed),
		sqlstore.FormatTime(at),
		"session interrupted before it finished",
		string(schema.LogInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon running sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanLog(row scanner) (*schema.SyncLog, error) {
	var (
		l           schema.SyncLog
		startedAt   string
		completedAt sql.NullString
		syncType    string
		direction   string
		status      string
	)
	err := row.Scan(
		&l.SessionID,
		&startedAt,
		&completedAt,
		&syncType,
		&direction,
		&status,
		&l.EntitiesSynced,
		&l.EntitiesFailed,
		&l.ConflictsDetected,
		&l.ConflictsResolved,
		&l.ErrorMessage,
		&l.Details,
		&l.DeviceID,
		&l.InitiatedBy,
	)
	if err != nil {
		return nil, err
	}
	if l.StartedAt, err = sqlstore.ParseTime(startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at %q: %w", startedAt, err)
	}
	if l.CompletedAt, err = sqlstore.ParseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("invalid completed_at %q: %w", completedAt.String, err)
	}
	l.SyncType = schema.SyncType(syncType)
	l.Direction = schema.Direction(direction)
	l.Status = schema.LogStatus(status)
	return &l, nil
}
