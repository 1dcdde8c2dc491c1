// Package store implements the persistence contracts of the core on an
// embedded SQLite database.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Service owns the database handle. It implements session.Backend plus the
// narrow persistence interfaces of the scheduler, identity, space and
// memory packages.
type Service struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at dbPath and applies
// the schema.
func Open(dbPath string) (*Service, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}
	return &Service{db: db}, nil
}

// Close closes the database. Call last during shutdown.
func (s *Service) Close() error {
	return s.db.Close()
}
