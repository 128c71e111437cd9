// ABOUTME: SQLite implementation of the session ledger using modernc.org/sqlite
// ABOUTME: Creates its schema on open; one connection serializes writers

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultListLimit = 100

// SQLiteStore implements SessionStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the ledger at path. Parent directories
// are created if needed. Pass nil logger for default.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session ledger initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			connection_id  TEXT PRIMARY KEY,
			principal_id   TEXT NOT NULL,
			principal_kind TEXT NOT NULL,
			instance_id    TEXT NOT NULL,
			remote_addr    TEXT NOT NULL DEFAULT '',
			connected_at   TEXT NOT NULL,
			closed_at      TEXT,
			close_reason   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_principal ON sessions(principal_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_instance_open ON sessions(instance_id, closed_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_connected ON sessions(connected_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing session ledger")
	return s.db.Close()
}

// RecordAdmission inserts an open session.
func (s *SQLiteStore) RecordAdmission(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (connection_id, principal_id, principal_kind, instance_id, remote_addr, connected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ConnectionID,
		sess.PrincipalID,
		sess.PrincipalKind,
		sess.InstanceID,
		sess.RemoteAddr,
		sess.ConnectedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording admission %s: %w", sess.ConnectionID, err)
	}
	return nil
}

// RecordClosure marks a session closed. Returns ErrNotFound if the session
// does not exist or is already closed.
func (s *SQLiteStore) RecordClosure(ctx context.Context, connectionID string, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = ?, close_reason = ?
		WHERE connection_id = ? AND closed_at IS NULL`,
		at.UTC().Format(time.RFC3339), reason, connectionID,
	)
	if err != nil {
		return fmt.Errorf("recording closure %s: %w", connectionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording closure %s: %w", connectionID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `connection_id, principal_id, principal_kind, instance_id, remote_addr,
	connected_at, closed_at, close_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess         Session
		connectedStr string
		closedStr    sql.NullString
		reason       sql.NullString
	)
	if err := row.Scan(&sess.ConnectionID, &sess.PrincipalID, &sess.PrincipalKind, &sess.InstanceID,
		&sess.RemoteAddr, &connectedStr, &closedStr, &reason); err != nil {
		return nil, err
	}

	var err error
	sess.ConnectedAt, err = time.Parse(time.RFC3339, connectedStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connected_at: %w", err)
	}
	if closedStr.Valid {
		closedAt, err := time.Parse(time.RFC3339, closedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		sess.ClosedAt = &closedAt
	}
	sess.CloseReason = reason.String
	return &sess, nil
}

// GetSession retrieves one session. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, connectionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE connection_id = ?`, connectionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", connectionID, err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	var (
		where []string
		args  []any
	)
	if f.PrincipalID != "" {
		where = append(where, "principal_id = ?")
		args = append(args, f.PrincipalID)
	}
	if f.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if f.OpenOnly {
		where = append(where, "closed_at IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY connected_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CloseOrphans closes every open session of instanceID. A restarted instance
// calls it for sessions it left open when it stopped without a clean shutdown.
func (s *SQLiteStore) CloseOrphans(ctx context.Context, instanceID string, at time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = ?, close_reason = ?
		WHERE instance_id = ? AND closed_at IS NULL`,
		at.UTC().Format(time.RFC3339), reason, instanceID,
	)
	if err != nil {
		return 0, fmt.Errorf("closing orphaned sessions: %w", err)
	}
	return res.RowsAffected()
}

// PruneClosed deletes sessions closed before the cutoff.
func (s *SQLiteStore) PruneClosed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return res.RowsAffected()
}
