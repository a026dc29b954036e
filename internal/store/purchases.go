package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chainshare.app/backend/internal/apperr"
)

// OwnedChunkIDs returns every fragment the user has a purchase row for,
// paid or not.
func (s *SQLStore) OwnedChunkIDs(ctx context.Context, publicKey string) (map[string]bool, error) {
	return s.idSet(ctx, "SELECT DISTINCT chunk_id FROM purchases WHERE public_key = ? AND chunk_id IS NOT NULL", strings.ToLower(publicKey))
}

// OwnedDocumentIDs returns documents bought as a whole.
func (s *SQLStore) OwnedDocumentIDs(ctx context.Context, publicKey string) (map[string]bool, error) {
	return s.idSet(ctx, "SELECT DISTINCT document_id FROM purchases WHERE public_key = ? AND chunk_id IS NULL", strings.ToLower(publicKey))
}

func (s *SQLStore) idSet(ctx context.Context, query string, args ...any) (map[string]bool, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query owned ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan owned id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// InsertPurchase appends a purchase row. A second paid row for the same user
// and fragment, or a second whole-document row, fails with
// apperr.ErrDuplicatePurchase.
func (s *SQLStore) InsertPurchase(ctx context.Context, p *Purchase) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.PublicKey = strings.ToLower(p.PublicKey)
	p.CreatedAt = s.now()

	_, err := s.exec(ctx, `
        INSERT INTO purchases (id, chunk_id, document_id, document_name, content_preview, public_key, message_id, price, relevance, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullString(p.ChunkID), p.DocumentID, p.DocumentName, p.ContentPreview, p.PublicKey,
		nullString(p.MessageID), int64(p.Price), p.Relevance, p.CreatedAt)
	if err != nil {
		if s.isUniqueViolation(err) {
			return fmt.Errorf("purchase of %s/%s by %s: %w", p.DocumentID, deref(p.ChunkID), p.PublicKey, apperr.ErrDuplicatePurchase)
		}
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

// HasChunkAccess reports whether the user holds any purchase row for chunkID.
func (s *SQLStore) HasChunkAccess(ctx context.Context, publicKey, chunkID string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM purchases WHERE public_key = ? AND chunk_id = ? LIMIT 1", strings.ToLower(publicKey), chunkID)
}

func (s *SQLStore) HasDocumentPurchase(ctx context.Context, publicKey, documentID string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM purchases WHERE public_key = ? AND document_id = ? AND chunk_id IS NULL LIMIT 1", strings.ToLower(publicKey), documentID)
}

// ListPurchases returns the user's paid purchases, newest first.
func (s *SQLStore) ListPurchases(ctx context.Context, publicKey string) ([]Purchase, error) {
	rows, err := s.query(ctx, `
        SELECT id, chunk_id, document_id, document_name, content_preview, public_key, message_id, price, relevance, created_at
        FROM purchases
        WHERE public_key = ? AND price > 0
        ORDER BY created_at DESC`, strings.ToLower(publicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []Purchase
	for rows.Next() {
		var (
			p         Purchase
			chunkID   sql.NullString
			messageID sql.NullString
			price     int64
		)
		if err := rows.Scan(&p.ID, &chunkID, &p.DocumentID, &p.DocumentName, &p.ContentPreview, &p.PublicKey,
			&messageID, &price, &p.Relevance, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase row: %w", err)
		}
		p.ChunkID = stringPtr(chunkID)
		p.MessageID = stringPtr(messageID)
		p.Price = Tokens(price)
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (s *SQLStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.queryRow(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
