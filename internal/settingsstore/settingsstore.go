// Package settingsstore implements the §6 "save_user_settings" collaborator:
// a single-row blob store for the HA connection settings collected by the
// setup flow. The spec makes no assumption about the stored format beyond
// round-trip equality, so this package stores the serialized YAML blob
// verbatim with no schema of its own.
//
// Grounded on the teacher's internal/state/store.go Open/WAL/migrate
// pattern, cut down to a single row instead of a synced-items table.
package settingsstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
    id   INTEGER PRIMARY KEY CHECK (id = 1),
    blob BLOB NOT NULL
);
`

// Store is the SQLite-backed settings blob store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the stored blob, or (nil, nil) if no settings have been saved
// yet (first run, before any setup flow has completed).
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM settings WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "no settings saved yet" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("loading settings blob: %w", err)
	}
	return blob, nil
}

// Save persists blob, replacing whatever was previously stored. Round-trip
// equality with Load is the only contract: callers own the encoding.
func (s *Store) Save(ctx context.Context, blob []byte) error {
	const q = `
		INSERT INTO settings (id, blob) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET blob = excluded.blob`
	if _, err := s.db.ExecContext(ctx, q, blob); err != nil {
		return fmt.Errorf("saving settings blob: %w", err)
	}
	return nil
}
