package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

const pgUniqueViolation = "23505"

// NewPostgresStore opens the ledger on a Postgres DSN.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newSQLStore(db, dialect{
		name:            "pgx",
		numbered:        true,
		timestampType:   "TIMESTAMPTZ",
		uniqueViolation: pgUniqueViolationErr,
	})
}

func pgUniqueViolationErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Open picks the store implementation for a configured driver name.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3":
		return NewSQLiteStore(dsn)
	case "pgx":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
