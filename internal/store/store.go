package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrDuplicateTransaction is returned when an external transaction id has
// already been recorded.
var ErrDuplicateTransaction = errors.New("transaction already recorded")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type dialect struct {
	name            string
	numbered        bool // $1, $2 placeholders
	timestampType   string
	uniqueViolation func(error) bool
}

// SQLStore is the ledger. Every method runs against the pool, or against a
// single transaction when the store was handed out by InTx.
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, q: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect names the SQL backend ("sqlite3" or "pgx").
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// SetClock overrides the time source used for row timestamps.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// InTx runs fn inside one database transaction. fn receives a store bound to
// that transaction; returning an error rolls everything back. Nested calls
// reuse the outer transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx *SQLStore) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := *s
	txStore.q = tx

	if err := fn(&txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) isUniqueViolation(err error) bool {
	return err != nil && s.dialect.uniqueViolation != nil && s.dialect.uniqueViolation(err)
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect.timestampType) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w (statement: %.60s)", err, strings.TrimSpace(stmt))
		}
	}
	return nil
}

// schemaStatements is shared by both dialects; only the timestamp column type
// differs. Amounts are BIGINT token units (see Tokens).
func schemaStatements(ts string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
            public_key TEXT PRIMARY KEY,
            token TEXT,
            expiration ` + ts + `,
            token_amount BIGINT NOT NULL DEFAULT 0 CHECK (token_amount >= 0),
            created_at ` + ts + ` NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            owner_pk TEXT NOT NULL,
            created_at ` + ts + ` NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL,
            sender_pk TEXT NOT NULL,
            body TEXT NOT NULL,
            created_at ` + ts + ` NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS purchases (
            id TEXT PRIMARY KEY,
            chunk_id TEXT,
            document_id TEXT NOT NULL,
            document_name TEXT NOT NULL DEFAULT '',
            content_preview TEXT NOT NULL DEFAULT '',
            public_key TEXT NOT NULL,
            message_id TEXT,
            price BIGINT NOT NULL CHECK (price >= 0),
            relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
            created_at ` + ts + ` NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS transactions (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL CHECK (type IN ('deposit', 'withdraw')),
            amount BIGINT NOT NULL,
            public_key TEXT NOT NULL,
            external_id TEXT,
            created_at ` + ts + ` NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS notifications (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            public_key TEXT NOT NULL,
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INTEGER NOT NULL DEFAULT 0,
            next_attempt_at ` + ts + ` NOT NULL,
            last_error TEXT,
            created_at ` + ts + ` NOT NULL,
            updated_at ` + ts + ` NOT NULL
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS purchases_paid_chunk_uq ON purchases (public_key, chunk_id) WHERE chunk_id IS NOT NULL AND price > 0`,
		`CREATE UNIQUE INDEX IF NOT EXISTS purchases_document_uq ON purchases (public_key, document_id) WHERE chunk_id IS NULL`,
		`CREATE INDEX IF NOT EXISTS purchases_message_idx ON purchases (message_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transactions_external_uq ON transactions (external_id) WHERE external_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (public_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS notifications_due_idx ON notifications (status, next_attempt_at)`,
	}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
