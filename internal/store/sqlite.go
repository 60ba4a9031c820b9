package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ning0612/xferd/internal/domain"
)

// DefaultFileName is the database file created inside the data directory
const DefaultFileName = "xferd.db"

// SQLiteStore persists sessions in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the session database in dataDir
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return OpenSQLite(filepath.Join(dataDir, DefaultFileName))
}

// OpenSQLite opens the session database at dbPath
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit connection pool to prevent "database is locked" errors
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode and busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transfer_sessions (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		type TEXT NOT NULL,
		local_path TEXT NOT NULL,
		remote_path TEXT NOT NULL,
		status TEXT NOT NULL,
		total_size INTEGER NOT NULL DEFAULT 0,
		transferred_size INTEGER NOT NULL DEFAULT 0,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_connection ON transfer_sessions(connection_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON transfer_sessions(status, end_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

const selectColumns = `id, connection_id, type, local_path, remote_path, status,
	total_size, transferred_size, start_time, end_time, error`

// Upsert inserts or replaces a session
func (s *SQLiteStore) Upsert(session domain.TransferSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO transfer_sessions (` + selectColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			connection_id = excluded.connection_id,
			type = excluded.type,
			local_path = excluded.local_path,
			remote_path = excluded.remote_path,
			status = excluded.status,
			total_size = excluded.total_size,
			transferred_size = excluded.transferred_size,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`

	var endTime sql.NullTime
	if session.EndTime != nil {
		endTime = sql.NullTime{Time: session.EndTime.UTC(), Valid: true}
	}

	_, err := s.db.Exec(query,
		session.ID,
		session.ConnectionID,
		string(session.Type),
		session.LocalPath,
		session.RemotePath,
		string(session.Status),
		session.TotalSize,
		session.TransferredSize,
		session.StartTime.UTC(),
		endTime,
		session.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}

	return nil
}

// Get retrieves one session by id
func (s *SQLiteStore) Get(id string) (domain.TransferSession, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM transfer_sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransferSession{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return domain.TransferSession{}, fmt.Errorf("failed to query session %s: %w", id, err)
	}

	return session, nil
}

// LoadAll retrieves every session
func (s *SQLiteStore) LoadAll() ([]domain.TransferSession, error) {
	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM transfer_sessions ORDER BY start_time, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListByConnection retrieves the sessions of one connection
func (s *SQLiteStore) ListByConnection(connectionID string) ([]domain.TransferSession, error) {
	rows, err := s.db.Query(
		`SELECT `+selectColumns+` FROM transfer_sessions WHERE connection_id = ? ORDER BY start_time, id`,
		connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions for %s: %w", connectionID, err)
	}
	return collectSessions(rows)
}

// Delete removes a session
func (s *SQLiteStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM transfer_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// PruneTerminal removes terminal sessions that ended before the cutoff
func (s *SQLiteStore) PruneTerminal(before time.Time) (int, error) {
	result, err := s.db.Exec(`
		DELETE FROM transfer_sessions
		WHERE status IN (?, ?, ?) AND end_time IS NOT NULL AND end_time < ?`,
		string(domain.StatusCompleted), string(domain.StatusError), string(domain.StatusCancelled),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned sessions: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.TransferSession, error) {
	var (
		session  domain.TransferSession
		typ      string
		status   string
		endTime  sql.NullTime
		errorMsg sql.NullString
	)

	err := row.Scan(
		&session.ID,
		&session.ConnectionID,
		&typ,
		&session.LocalPath,
		&session.RemotePath,
		&status,
		&session.TotalSize,
		&session.TransferredSize,
		&session.StartTime,
		&endTime,
		&errorMsg,
	)
	if err != nil {
		return domain.TransferSession{}, err
	}

	session.Type = domain.TransferType(typ)
	session.Status = domain.Status(status)
	session.Error = errorMsg.String
	if endTime.Valid {
		t := endTime.Time
		session.EndTime = &t
	}

	return session, nil
}

func collectSessions(rows *sql.Rows) ([]domain.TransferSession, error) {
	defer rows.Close()

	var sessions []domain.TransferSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

var _ Store = (*SQLiteStore)(nil)
