package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// countPaidChunkPurchases counts non-zero purchase rows for one fragment.
func (s *SQLStore) countPaidChunkPurchases(ctx context.Context, publicKey, chunkID string) (int, error) {
	var n int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM purchases WHERE public_key = ? AND chunk_id = ? AND price > 0",
		strings.ToLower(publicKey), chunkID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count purchases: %w", err)
	}
	return n, nil
}

// countPurchasesForMessage counts rows tagged with a message id.
func (s *SQLStore) countPurchasesForMessage(ctx context.Context, messageID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM purchases WHERE message_id = ?", messageID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count purchases: %w", err)
	}
	return n, nil
}

func (s *SQLStore) getNotification(ctx context.Context, id string) (*Notification, error) {
	var (
		n       Notification
		payload string
		lastErr sql.NullString
	)
	err := s.queryRow(ctx, `
        SELECT id, kind, public_key, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at
        FROM notifications WHERE id = ?`, id).Scan(&n.ID, &n.Kind, &n.PublicKey, &payload, &n.Status, &n.Attempts,
		&n.NextAttemptAt, &lastErr, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	n.Payload = []byte(payload)
	n.LastError = stringPtr(lastErr)
	return &n, nil
}
