// Package store provides the durable local store backing the Device SDK:
// the outgoing message queue, the resolved device identity and tokens, and
// the last-known twin snapshots. One store owns one SQLite file per path.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
)

const schemaVersion = "1.0.0"

// Store wraps the SQLite database holding all persisted SDK state.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite store at the given file path, creating the file and
// its parent directory if they don't exist. The database is opened with:
// - WAL mode for concurrent reads/writes
// - foreign key constraints enabled
// - a single writer connection (SQLite doesn't support multiple writers)
//
// Failures to open or write the file map to STORAGE_UNAVAILABLE; a file that
// exists but doesn't hold a compatible schema maps to STORAGE_CORRUPT.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, sdkerrors.New(sdkerrors.ErrInvalidArgument, "store path must not be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to create store directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to open local database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to enable foreign keys", err)
	}
	// Enqueue durability: commits must survive a process crash.
	if _, err := db.Exec("PRAGMA synchronous=FULL;"); err != nil {
		db.Close()
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to set synchronous mode", err)
	}

	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the schema on first open and verifies the version row
// on subsequent opens.
func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sdk_configuration (
		id                  INTEGER PRIMARY KEY CHECK (id = 0),
		schema_version      TEXT NOT NULL,
		instance_url        TEXT NOT NULL DEFAULT '',
		provisioning_token  TEXT NOT NULL DEFAULT '',
		registration_token  TEXT NOT NULL DEFAULT '',
		rt_expiration       INTEGER,
		requested_device_id TEXT NOT NULL DEFAULT '',
		workspace_id        TEXT NOT NULL DEFAULT '',
		device_id           TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		stream_group TEXT NOT NULL,
		stream       TEXT NOT NULL,
		batch_id     TEXT NOT NULL DEFAULT '',
		message_id   TEXT NOT NULL DEFAULT '',
		payload      BLOB NOT NULL,
		close_option INTEGER NOT NULL DEFAULT 0,
		compression  INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS batches (
		stream_group TEXT NOT NULL,
		stream       TEXT NOT NULL,
		batch_id     TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		PRIMARY KEY (stream_group, stream, batch_id)
	);
	CREATE TABLE IF NOT EXISTS desired_twin (
		id       INTEGER PRIMARY KEY CHECK (id = 0),
		version  INTEGER NOT NULL,
		document BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS reported_updates (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id TEXT NOT NULL,
		document      BLOB NOT NULL,
		created_at    INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS c2d_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		content    BLOB NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageCorrupt, "failed to initialize schema", err)
	}

	var version string
	err := s.db.QueryRow("SELECT schema_version FROM sdk_configuration WHERE id = 0").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(
			"INSERT INTO sdk_configuration (id, schema_version) VALUES (0, ?)", schemaVersion,
		); err != nil {
			return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to write schema version", err)
		}
	case err != nil:
		return sdkerrors.Wrap(sdkerrors.ErrStorageCorrupt, "failed to read schema version", err)
	case version != schemaVersion:
		return sdkerrors.New(sdkerrors.ErrStorageCorrupt,
			fmt.Sprintf("unknown local database schema version %q", version))
	}

	return nil
}

// Close closes the database connection. Any entries still pending remain in
// the file and are picked up on the next Open at the same path.
func (s *Store) Close() error {
	return s.db.Close()
}
