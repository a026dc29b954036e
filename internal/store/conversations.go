package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chainshare.app/backend/internal/apperr"
)

// Conversation methods

func (s *SQLStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.OwnerPK = strings.ToLower(c.OwnerPK)
	c.CreatedAt = s.now()

	_, err := s.exec(ctx, "INSERT INTO conversations (id, name, owner_pk, created_at) VALUES (?, ?, ?, ?)",
		c.ID, c.Name, c.OwnerPK, c.CreatedAt)
	if err != nil {
		if s.isUniqueViolation(err) {
			return apperr.Invalid("conversation %s already exists", c.ID)
		}
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns nil when the conversation does not exist or is not
// owned by ownerPK.
func (s *SQLStore) GetConversation(ctx context.Context, id, ownerPK string) (*Conversation, error) {
	var c Conversation
	err := s.queryRow(ctx, "SELECT id, name, owner_pk, created_at FROM conversations WHERE id = ? AND owner_pk = ?",
		id, strings.ToLower(ownerPK)).Scan(&c.ID, &c.Name, &c.OwnerPK, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns the owner's conversations, newest first, each
// with the body of its latest message.
func (s *SQLStore) ListConversations(ctx context.Context, ownerPK string) ([]Conversation, error) {
	rows, err := s.query(ctx, `
        SELECT c.id, c.name, c.owner_pk, c.created_at,
            (SELECT m.body FROM messages m
             WHERE m.conversation_id = c.id
             ORDER BY m.created_at DESC LIMIT 1) AS last_message
        FROM conversations c
        WHERE c.owner_pk = ?
        ORDER BY c.created_at DESC`, strings.ToLower(ownerPK))
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := []Conversation{}
	for rows.Next() {
		var (
			c    Conversation
			last sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.OwnerPK, &c.CreatedAt, &last); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		c.LastMessage = stringPtr(last)
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// DeleteConversation removes a conversation and its messages. Purchase rows
// that cite those messages stay in the ledger.
func (s *SQLStore) DeleteConversation(ctx context.Context, id, ownerPK string) error {
	return s.InTx(ctx, func(tx *SQLStore) error {
		res, err := tx.exec(ctx, "DELETE FROM conversations WHERE id = ? AND owner_pk = ?", id, strings.ToLower(ownerPK))
		if err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
		}
		if _, err := tx.exec(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		return nil
	})
}

// RenameConversation sets the display name of an owned conversation.
func (s *SQLStore) RenameConversation(ctx context.Context, id, ownerPK, name string) error {
	res, err := s.exec(ctx, "UPDATE conversations SET name = ? WHERE id = ? AND owner_pk = ?", name, id, strings.ToLower(ownerPK))
	if err != nil {
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// Message methods

func (s *SQLStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = s.now()

	_, err := s.exec(ctx, "INSERT INTO messages (id, conversation_id, sender_pk, body, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.SenderPK, msg.Body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// LastMessages returns up to n messages, newest first.
func (s *SQLStore) LastMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	rows, err := s.query(ctx, `
        SELECT id, conversation_id, sender_pk, body, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at DESC
        LIMIT ?`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderPK, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ListMessagesWithPurchases returns the conversation oldest first, each
// message carrying the fragments it cited.
func (s *SQLStore) ListMessagesWithPurchases(ctx context.Context, conversationID string) ([]MessageWithPurchases, error) {
	rows, err := s.query(ctx, `
        SELECT m.id, m.conversation_id, m.sender_pk, m.body, m.created_at,
            p.chunk_id, p.document_id, p.document_name, p.content_preview, p.relevance
        FROM messages m
        LEFT JOIN purchases p ON p.message_id = m.id
        WHERE m.conversation_id = ?
        ORDER BY m.created_at ASC, p.relevance DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	result := []MessageWithPurchases{}
	index := make(map[string]int)
	for rows.Next() {
		var (
			msg                               Message
			chunkID, docID, docName, preview sql.NullString
			relevance                         sql.NullFloat64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderPK, &msg.Body, &msg.CreatedAt,
			&chunkID, &docID, &docName, &preview, &relevance); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		i, seen := index[msg.ID]
		if !seen {
			i = len(result)
			index[msg.ID] = i
			result = append(result, MessageWithPurchases{Message: msg, Purchases: []CitedPurchase{}})
		}
		if chunkID.Valid {
			result[i].Purchases = append(result[i].Purchases, CitedPurchase{
				ChunkID:        chunkID.String,
				DocumentID:     docID.String,
				DocumentName:   docName.String,
				ContentPreview: preview.String,
				Relevance:      relevance.Float64,
			})
		}
	}
	return result, rows.Err()
}
