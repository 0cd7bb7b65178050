// Package store is the repository layer: idempotent, versioned reads and
// writes for positions, availability, limits, and rules over SQLite.
//
// Writes are transactional per entity and guarded by an optimistic version
// check: a save must carry exactly storedVersion+1 (or 1 for an insert) or
// it fails with CONFLICT. Multi-entity atomicity is deliberately not
// provided; engines tolerate partial durability through idempotent
// recomputation.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. All repository methods hang off it.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the entity store at path and applies the
// schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under concurrent engine writes and keeps ":memory:" stores on one
	// database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, log: logger.With("component", "store")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
