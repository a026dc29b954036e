package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

// NewSQLiteStore opens an embedded ledger. dataSourceName may be ":memory:".
func NewSQLiteStore(dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newSQLStore(db, dialect{
		name:            "sqlite3",
		timestampType:   "TIMESTAMP",
		uniqueViolation: sqliteUniqueViolation,
	})
}

func sqliteUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
