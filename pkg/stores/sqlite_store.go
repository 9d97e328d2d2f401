// Package stores provides SQLite-backed persistence for step markers,
// encrypted credentials, and the install-session journal.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements MarkerStore, CredentialStore, and SessionJournal
// on a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Markers

// PutMarker writes the completion marker for a step, replacing any existing
// row for the same step id.
func (s *SQLiteStore) PutMarker(ctx context.Context, m *Marker) error {
	query := `
		INSERT INTO markers (step_id, schema_version, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			completed_at = excluded.completed_at`

	completedAt := m.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, query, m.StepID, m.SchemaVersion, completedAt); err != nil {
		return fmt.Errorf("failed to put marker: %w", err)
	}
	return nil
}

// GetMarker returns the marker for a step, or nil if none exists.
func (s *SQLiteStore) GetMarker(ctx context.Context, stepID string) (*Marker, error) {
	query := `SELECT step_id, schema_version, completed_at FROM markers WHERE step_id = ?`

	var m Marker
	err := s.db.QueryRowContext(ctx, query, stepID).Scan(&m.StepID, &m.SchemaVersion, &m.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get marker: %w", err)
	}
	return &m, nil
}

// ListMarkers returns all markers ordered by step id.
func (s *SQLiteStore) ListMarkers(ctx context.Context) ([]*Marker, error) {
	query := `SELECT step_id, schema_version, completed_at FROM markers ORDER BY step_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list markers: %w", err)
	}
	defer rows.Close()

	var markers []*Marker
	for rows.Next() {
		var m Marker
		if err := rows.Scan(&m.StepID, &m.SchemaVersion, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan marker: %w", err)
		}
		markers = append(markers, &m)
	}
	return markers, rows.Err()
}

// DeleteMarkers removes all markers, forcing a full re-provision.
func (s *SQLiteStore) DeleteMarkers(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM markers`); err != nil {
		return fmt.Errorf("failed to delete markers: %w", err)
	}
	return nil
}

// Credentials

// PutCredential stores an encrypted credential blob under name.
func (s *SQLiteStore) PutCredential(ctx context.Context, name string, ciphertext []byte) error {
	query := `
		INSERT INTO credentials (name, ciphertext, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, name, ciphertext, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// GetCredential returns the credential named, or nil if none exists.
func (s *SQLiteStore) GetCredential(ctx context.Context, name string) (*Credential, error) {
	query := `SELECT name, ciphertext, updated_at FROM credentials WHERE name = ?`

	var c Credential
	err := s.db.QueryRowContext(ctx, query, name).Scan(&c.Name, &c.Ciphertext, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// DeleteCredential removes the credential named.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Install session journal

// JournalSession records an opened install session.
func (s *SQLiteStore) JournalSession(ctx context.Context, sess *InstallSession) error {
	query := `
		INSERT INTO install_sessions (id, package_name, opened_at)
		VALUES (?, ?, ?)`

	openedAt := sess.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, query, sess.ID, sess.PackageName, openedAt); err != nil {
		return fmt.Errorf("failed to journal session: %w", err)
	}
	return nil
}

// ClearSession removes a session from the journal once it reaches a terminal
// outcome.
func (s *SQLiteStore) ClearSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM install_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// ListSessions returns all journaled sessions ordered by open time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*InstallSession, error) {
	query := `SELECT id, package_name, opened_at FROM install_sessions ORDER BY opened_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*InstallSession
	for rows.Next() {
		var sess InstallSession
		if err := rows.Scan(&sess.ID, &sess.PackageName, &sess.OpenedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}
