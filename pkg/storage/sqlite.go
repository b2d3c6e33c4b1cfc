package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// Store manages the SQLite journal database
type Store struct {
	db *sql.DB
}

// ErrStoreClosed indicates the underlying database connection is unavailable.
var ErrStoreClosed = errors.New("storage: closed")

// New creates a new store and initializes the database
func New(dbPath string) (*Store, error) {
	filePath, onDisk := sqliteFilePathFromDSN(dbPath)
	if onDisk {
		// Captured pages and cookies are sensitive; keep the journal private.
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time, but multiple readers with WAL mode
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if onDisk {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	} else {
		// Each pooled connection to :memory: would see its own database.
		db.SetMaxOpenConns(1)
	}

	// Set busy timeout to 5 seconds - wait instead of immediately returning SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(strings.TrimSpace(u.Scheme), "file") {
			return "", false
		}
		path := strings.TrimSpace(u.Path)
		if path == "" {
			path = strings.TrimSpace(u.Opaque)
		}
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	if strings.Contains(dsn, "://") {
		return "", false
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("db path cannot be empty")
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat db path: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create db file: %w", err)
	}
	return f.Close()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Apply   func(db *sql.DB) error
}

// migrations is the ordered list of all migrations
var migrations = []Migration{
	{1, "initial_schema", func(db *sql.DB) error { return nil }}, // Base schema from schemaSQL
	{2, "event_page_summary", ensureEventSummarySchema},
}

// runMigrations runs the schema migrations with version tracking
func runMigrations(db *sql.DB) error {
	// First apply the base schema (idempotent via CREATE TABLE IF NOT EXISTS)
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		if err := m.Apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}

		if err := recordMigration(db, m.Version, m.Name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// ensureEventSummarySchema adds the page summary columns for navigation
// entries.
func ensureEventSummarySchema(db *sql.DB) error {
	cols, err := tableColumns(db, "events")
	if err != nil {
		return err
	}
	if !cols["title"] {
		if _, err := db.Exec(`ALTER TABLE events ADD COLUMN title TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add events.title: %w", err)
		}
	}
	if !cols["html_bytes"] {
		if _, err := db.Exec(`ALTER TABLE events ADD COLUMN html_bytes INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add events.html_bytes: %w", err)
		}
	}
	if !cols["link_count"] {
		if _, err := db.Exec(`ALTER TABLE events ADD COLUMN link_count INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add events.link_count: %w", err)
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// getSchemaVersion returns the current schema version (0 if no migrations applied)
func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// recordMigration records that a migration was applied
func recordMigration(db *sql.DB, version int, name string) error {
	_, err := db.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		version, name,
	)
	return err
}

// GetSchemaVersion returns the current schema version for external use
func (s *Store) GetSchemaVersion() (int, error) {
	return getSchemaVersion(s.db)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
