package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnqueueNotification records a content provider callback as pending. It is
// due immediately.
func (s *SQLStore) EnqueueNotification(ctx context.Context, n *Notification) error {
	now := s.now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.PublicKey = strings.ToLower(n.PublicKey)
	n.Status = NotificationPending
	n.NextAttemptAt = now
	n.CreatedAt = now
	n.UpdatedAt = now

	_, err := s.exec(ctx, `
        INSERT INTO notifications (id, kind, public_key, payload, status, attempts, next_attempt_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		n.ID, n.Kind, n.PublicKey, string(n.Payload), n.Status, n.NextAttemptAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// DueNotifications returns up to limit pending rows whose next attempt is due,
// oldest first.
func (s *SQLStore) DueNotifications(ctx context.Context, limit int) ([]Notification, error) {
	rows, err := s.query(ctx, `
        SELECT id, kind, public_key, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at
        FROM notifications
        WHERE status = ? AND next_attempt_at <= ?
        ORDER BY created_at ASC
        LIMIT ?`, NotificationPending, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n       Notification
			payload string
			lastErr sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.PublicKey, &payload, &n.Status, &n.Attempts,
			&n.NextAttemptAt, &lastErr, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		n.Payload = []byte(payload)
		n.LastError = stringPtr(lastErr)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ClaimNotification leases a due pending row by pushing its next attempt to
// now+lease. It reports false when the row is not due, which includes rows
// another deliverer already holds.
func (s *SQLStore) ClaimNotification(ctx context.Context, id string, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.exec(ctx, `
        UPDATE notifications
        SET next_attempt_at = ?, updated_at = ?
        WHERE id = ? AND status = ? AND next_attempt_at <= ?`,
		now.Add(lease), now, id, NotificationPending, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) MarkNotificationDone(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "UPDATE notifications SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?",
		NotificationDone, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification done: %w", err)
	}
	return nil
}

// MarkNotificationFailed counts a failed attempt and schedules the next one.
func (s *SQLStore) MarkNotificationFailed(ctx context.Context, id, cause string, nextAttempt time.Time) error {
	_, err := s.exec(ctx, `
        UPDATE notifications
        SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
        WHERE id = ?`, cause, nextAttempt.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	return nil
}

func (s *SQLStore) PendingNotificationCount(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM notifications WHERE status = ?", NotificationPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return n, nil
}
