package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InsertTransaction appends a ledger transaction. CreatedAt is kept when the
// caller sets it (deposits carry the rail's consensus time).
func (s *SQLStore) InsertTransaction(ctx context.Context, t *Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.PublicKey = strings.ToLower(t.PublicKey)

	_, err := s.exec(ctx, `
        INSERT INTO transactions (id, type, amount, public_key, external_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, int64(t.Amount), t.PublicKey, nullString(t.ExternalID), t.CreatedAt)
	if err != nil {
		if s.isUniqueViolation(err) {
			return fmt.Errorf("external id %s: %w", deref(t.ExternalID), ErrDuplicateTransaction)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// LatestDepositTime returns the deposit high-water mark. ok is false while no
// deposit has been recorded.
func (s *SQLStore) LatestDepositTime(ctx context.Context) (ts time.Time, ok bool, err error) {
	err = s.queryRow(ctx, "SELECT created_at FROM transactions WHERE type = ? ORDER BY created_at DESC LIMIT 1", TransactionDeposit).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest deposit: %w", err)
	}
	return ts.UTC(), true, nil
}

func (s *SQLStore) HasExternalTransaction(ctx context.Context, externalID string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM transactions WHERE external_id = ? LIMIT 1", externalID)
}

// ListTransactions returns the user's transactions, newest first.
func (s *SQLStore) ListTransactions(ctx context.Context, publicKey string) ([]Transaction, error) {
	rows, err := s.query(ctx, `
        SELECT id, type, amount, public_key, external_id, created_at
        FROM transactions
        WHERE public_key = ?
        ORDER BY created_at DESC`, strings.ToLower(publicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var (
			t      Transaction
			amount int64
			extID  sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Type, &amount, &t.PublicKey, &extID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		t.Amount = Tokens(amount)
		t.ExternalID = stringPtr(extID)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
