package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainshare.app/backend/internal/apperr"
)

const userColumns = "public_key, token, expiration, token_amount, created_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		user       User
		token      sql.NullString
		expiration sql.NullTime
		amount     int64
	)
	if err := row.Scan(&user.PublicKey, &token, &expiration, &amount, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.Token = stringPtr(token)
	if expiration.Valid {
		exp := expiration.Time.UTC()
		user.Expiration = &exp
	}
	user.TokenAmount = Tokens(amount)
	return &user, nil
}

// UpsertSession stores a fresh session credential, creating the user on first
// login.
func (s *SQLStore) UpsertSession(ctx context.Context, publicKey, token string, expiration time.Time) error {
	_, err := s.exec(ctx, `
        INSERT INTO users (public_key, token, expiration, token_amount, created_at)
        VALUES (?, ?, ?, 0, ?)
        ON CONFLICT (public_key) DO UPDATE
        SET token = excluded.token, expiration = excluded.expiration`,
		strings.ToLower(publicKey), token, expiration.UTC(), s.now())
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetUserBySession resolves an unexpired session credential. It returns nil
// when the credential is unknown or expired.
func (s *SQLStore) GetUserBySession(ctx context.Context, token string) (*User, error) {
	row := s.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE token = ? AND expiration > ?", token, s.now())
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user by session: %w", err)
	}
	return user, nil
}

func (s *SQLStore) GetUser(ctx context.Context, publicKey string) (*User, error) {
	row := s.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE public_key = ?", strings.ToLower(publicKey))
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// Balance returns the user's balance, zero for unknown users.
func (s *SQLStore) Balance(ctx context.Context, publicKey string) (Tokens, error) {
	var amount int64
	err := s.queryRow(ctx, "SELECT token_amount FROM users WHERE public_key = ?", strings.ToLower(publicKey)).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return Tokens(amount), nil
}

// Credit adds amount to the balance, creating the user row when needed.
func (s *SQLStore) Credit(ctx context.Context, publicKey string, amount Tokens) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must not be negative: %s", amount)
	}
	_, err := s.exec(ctx, `
        INSERT INTO users (public_key, token_amount, created_at)
        VALUES (?, ?, ?)
        ON CONFLICT (public_key) DO UPDATE
        SET token_amount = users.token_amount + excluded.token_amount`,
		strings.ToLower(publicKey), int64(amount), s.now())
	if err != nil {
		return fmt.Errorf("failed to credit user: %w", err)
	}
	return nil
}

// Debit subtracts amount in a single conditional statement. When the balance
// does not cover it nothing changes and an *apperr.InsufficientFundsError is
// returned.
func (s *SQLStore) Debit(ctx context.Context, publicKey string, amount Tokens) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must not be negative: %s", amount)
	}
	if amount == 0 {
		return nil
	}
	pk := strings.ToLower(publicKey)

	res, err := s.exec(ctx, `
        UPDATE users SET token_amount = token_amount - ?
        WHERE public_key = ? AND token_amount >= ?`,
		int64(amount), pk, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to debit user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read debit result: %w", err)
	}
	if affected == 0 {
		available, err := s.Balance(ctx, pk)
		if err != nil {
			return err
		}
		return &apperr.InsufficientFundsError{Required: amount.Decimal(), Available: available.Decimal()}
	}
	return nil
}

// ClearExpiredSessions drops credentials whose expiry has passed.
func (s *SQLStore) ClearExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, "UPDATE users SET token = NULL, expiration = NULL WHERE expiration <= ?", s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to reset sessions: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
