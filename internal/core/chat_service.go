package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/store"
)

const titleTimeout = 30 * time.Second

// CitedFragment is a purchase row as shown under the message that cited it.
type CitedFragment struct {
	ChunkID        string   `json:"chunk_id"`
	DocumentID     string   `json:"document_id"`
	Title          string   `json:"title"`
	ContentPreview string   `json:"content_preview"`
	Relevance      string   `json:"relevance"`
	Rating         *float64 `json:"rating"`
}

type MessageView struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderPK       string          `json:"sender_pk"`
	Body           string          `json:"body"`
	CreatedAt      time.Time       `json:"created_at"`
	Purchases      []CitedFragment `json:"purchases"`
}

// ChatService manages conversations and their messages.
type ChatService struct {
	store   *store.SQLStore
	catalog Catalog
	titler  Titler
	logger  zerolog.Logger
	titles  sync.WaitGroup
}

func NewChatService(s *store.SQLStore, catalog Catalog, titler Titler, logger zerolog.Logger) *ChatService {
	return &ChatService{
		store:   s,
		catalog: catalog,
		titler:  titler,
		logger:  logger.With().Str("component", "chat").Logger(),
	}
}

func (s *ChatService) CreateConversation(ctx context.Context, owner, id, name string) (*store.Conversation, error) {
	c := &store.Conversation{ID: id, Name: strings.TrimSpace(name), OwnerPK: owner}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ChatService) ListConversations(ctx context.Context, owner string) ([]store.Conversation, error) {
	return s.store.ListConversations(ctx, owner)
}

func (s *ChatService) DeleteConversation(ctx context.Context, owner, id string) error {
	return s.store.DeleteConversation(ctx, id, owner)
}

// ownedConversation returns NotFound for conversations of other users.
func (s *ChatService) ownedConversation(ctx context.Context, owner, id string) (*store.Conversation, error) {
	if id == "" {
		return nil, apperr.Invalid("conversation_id is required")
	}
	c, err := s.store.GetConversation(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
	}
	return c, nil
}

// PostMessage stores a user message. The first message of an unnamed
// conversation also names it in the background.
func (s *ChatService) PostMessage(ctx context.Context, owner, conversationID, body string) (*store.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Invalid("body is required")
	}
	conv, err := s.ownedConversation(ctx, owner, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{ConversationID: conversationID, SenderPK: strings.ToLower(owner), Body: body}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	if conv.Name == "" && s.titler != nil {
		s.titles.Add(1)
		go func() {
			defer s.titles.Done()
			s.generateAndSaveTitle(conv.ID, conv.OwnerPK, body)
		}()
	}
	return msg, nil
}

func (s *ChatService) generateAndSaveTitle(conversationID, owner, basis string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := s.titler.GenerateTitle(ctx, basis)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to generate title")
		return
	}
	title = cleanTitle(title)
	if title == "" {
		return
	}
	if err := s.store.RenameConversation(ctx, conversationID, owner, title); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to save generated title")
		return
	}
	s.logger.Debug().Str("conversation_id", conversationID).Str("title", title).Msg("Conversation titled")
}

// Wait blocks until background title generation has finished.
func (s *ChatService) Wait() {
	s.titles.Wait()
}

// Messages returns the conversation oldest first with the fragments each
// message cited. Ratings are nil when the provider cannot supply them.
func (s *ChatService) Messages(ctx context.Context, owner, conversationID string) ([]MessageView, error) {
	if _, err := s.ownedConversation(ctx, owner, conversationID); err != nil {
		return nil, err
	}
	thread, err := s.store.ListMessagesWithPurchases(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var chunkIDs []string
	seen := make(map[string]bool)
	for _, m := range thread {
		for _, p := range m.Purchases {
			if !seen[p.ChunkID] {
				seen[p.ChunkID] = true
				chunkIDs = append(chunkIDs, p.ChunkID)
			}
		}
	}
	ratings := map[string]float64{}
	if len(chunkIDs) > 0 {
		if r, err := s.catalog.ChunkRatings(ctx, strings.ToLower(owner), chunkIDs); err != nil {
			s.logger.Debug().Err(err).Str("conversation_id", conversationID).Msg("Chunk ratings unavailable")
		} else {
			ratings = r
		}
	}

	views := make([]MessageView, 0, len(thread))
	for _, m := range thread {
		v := MessageView{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderPK:       m.SenderPK,
			Body:           m.Body,
			CreatedAt:      m.CreatedAt,
			Purchases:      make([]CitedFragment, 0, len(m.Purchases)),
		}
		for _, p := range m.Purchases {
			f := CitedFragment{
				ChunkID:        p.ChunkID,
				DocumentID:     p.DocumentID,
				Title:          p.DocumentName,
				ContentPreview: p.ContentPreview,
				Relevance:      RelevanceBucket(p.Relevance),
			}
			if r, ok := ratings[p.ChunkID]; ok {
				rating := r
				f.Rating = &rating
			}
			v.Purchases = append(v.Purchases, f)
		}
		views = append(views, v)
	}
	return views, nil
}
