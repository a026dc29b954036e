package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/store"
)

type DocumentPriceQuote struct {
	DocumentID   string       `json:"documentId"`
	DocumentName string       `json:"document_name"`
	ChunkCount   int          `json:"chunk_count"`
	Price        store.Tokens `json:"price"`
}

type DocumentPurchaseResult struct {
	Success          bool         `json:"success"`
	RemainingBalance store.Tokens `json:"remainingBalance"`
}

// PurchasedChunk is one paid fragment inside a DocumentPurchases group.
type PurchasedChunk struct {
	ChunkID        string       `json:"chunk_id"`
	ContentPreview string       `json:"content_preview"`
	Price          store.Tokens `json:"price"`
	Timestamp      time.Time    `json:"timestamp"`
}

// DocumentPurchases groups a user's paid rows for one document.
type DocumentPurchases struct {
	Document   string           `json:"document"`
	DocumentID string           `json:"document_id"`
	Rating     float64          `json:"rating"`
	Chunks     []PurchasedChunk `json:"chunks"`
	FullDoc    bool             `json:"fullDoc"`
}

// DocumentService covers whole-document purchases and access to purchased
// fragments.
type DocumentService struct {
	store    *store.SQLStore
	locks    *UserLocks
	pricer   Pricer
	catalog  Catalog
	notifier *NotificationWorker
	logger   zerolog.Logger
}

func NewDocumentService(s *store.SQLStore, locks *UserLocks, pricer Pricer, catalog Catalog, notifier *NotificationWorker, logger zerolog.Logger) *DocumentService {
	return &DocumentService{
		store:    s,
		locks:    locks,
		pricer:   pricer,
		catalog:  catalog,
		notifier: notifier,
		logger:   logger.With().Str("component", "documents").Logger(),
	}
}

func (d *DocumentService) QuoteDocument(ctx context.Context, documentID string) (*DocumentPriceQuote, error) {
	if documentID == "" {
		return nil, apperr.Invalid("documentId is required")
	}
	q, err := d.catalog.DocumentQuote(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if q.DocumentID == "" {
		q.DocumentID = documentID
	}
	return &DocumentPriceQuote{
		DocumentID:   q.DocumentID,
		DocumentName: q.DocumentName,
		ChunkCount:   q.ChunkCount,
		Price:        d.pricer.DocumentPrice(q.ChunkCount),
	}, nil
}

// BuyDocument charges the flat document price once per user and document.
func (d *DocumentService) BuyDocument(ctx context.Context, user, documentID string) (*DocumentPurchaseResult, error) {
	user = strings.ToLower(user)
	if documentID == "" {
		return nil, apperr.Invalid("documentId is required")
	}

	unlock := d.locks.Lock(user)
	result, notification, err := d.commitDocument(ctx, user, documentID)
	unlock()
	if err != nil {
		settlementsTotal.WithLabelValues("document", outcomeOf(err)).Inc()
		return nil, err
	}
	settlementsTotal.WithLabelValues("document", "ok").Inc()

	if d.notifier != nil {
		if err := d.notifier.DeliverNow(context.WithoutCancel(ctx), notification); err != nil {
			d.logger.Warn().Err(err).Str("user", user).Str("document_id", documentID).
				Msg("Document purchase committed, provider notification pending")
		}
	}
	return result, nil
}

func (d *DocumentService) commitDocument(ctx context.Context, user, documentID string) (*DocumentPurchaseResult, *store.Notification, error) {
	owned, err := d.store.HasDocumentPurchase(ctx, user, documentID)
	if err != nil {
		return nil, nil, err
	}
	if owned {
		return nil, nil, fmt.Errorf("document %s: %w", documentID, apperr.ErrDuplicatePurchase)
	}

	quote, err := d.QuoteDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}

	var (
		remaining    store.Tokens
		notification *store.Notification
	)
	err = d.store.InTx(ctx, func(tx *store.SQLStore) error {
		if err := tx.InsertPurchase(ctx, &store.Purchase{
			DocumentID:   documentID,
			DocumentName: quote.DocumentName,
			PublicKey:    user,
			Price:        quote.Price,
		}); err != nil {
			return err
		}
		if err := tx.Debit(ctx, user, quote.Price); err != nil {
			return err
		}
		if remaining, err = tx.Balance(ctx, user); err != nil {
			return err
		}
		notification, err = enqueue(ctx, tx, store.NotificationBuyDocument, user, buyDocumentPayload{DocumentID: documentID})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	tokensChargedTotal.Add(quote.Price.Decimal().InexactFloat64())
	d.logger.Info().Str("user", user).Str("document_id", documentID).Int("chunks", quote.ChunkCount).
		Str("price", quote.Price.String()).Msg("Document purchased")
	return &DocumentPurchaseResult{Success: true, RemainingBalance: remaining}, notification, nil
}

func (d *DocumentService) requireChunkAccess(ctx context.Context, user, chunkID string) error {
	if chunkID == "" {
		return apperr.Invalid("chunkId is required")
	}
	ok, err := d.store.HasChunkAccess(ctx, user, chunkID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chunk %s not purchased: %w", chunkID, apperr.ErrUnauthorized)
	}
	return nil
}

// GetChunk returns the provider's view of a fragment the user owns.
func (d *DocumentService) GetChunk(ctx context.Context, user, chunkID string) (json.RawMessage, error) {
	if err := d.requireChunkAccess(ctx, user, chunkID); err != nil {
		return nil, err
	}
	return d.catalog.GetChunk(ctx, chunkID)
}

func (d *DocumentService) RateChunk(ctx context.Context, user, chunkID string, rating int) (json.RawMessage, error) {
	if err := d.requireChunkAccess(ctx, user, chunkID); err != nil {
		return nil, err
	}
	return d.catalog.RateChunk(ctx, strings.ToLower(user), chunkID, rating)
}

func (d *DocumentService) ChunkRatings(ctx context.Context, user string, chunkIDs []string) (map[string]float64, error) {
	if len(chunkIDs) == 0 {
		return map[string]float64{}, nil
	}
	return d.catalog.ChunkRatings(ctx, strings.ToLower(user), chunkIDs)
}

// UploadDocument hands a client-encrypted document to the provider with the
// uploader as owner.
func (d *DocumentService) UploadDocument(ctx context.Context, user string, doc clients.DocumentUpload) (json.RawMessage, error) {
	user = strings.ToLower(user)
	switch {
	case doc.DocumentID == "":
		return nil, apperr.Invalid("documentId is required")
	case strings.TrimSpace(doc.DocumentTitle) == "":
		return nil, apperr.Invalid("documentTitle is required")
	case doc.EncryptedDocument == "":
		return nil, apperr.Invalid("encryptedDocument is required")
	}
	var chunks []json.RawMessage
	if err := json.Unmarshal(doc.Chunks, &chunks); err != nil || len(chunks) == 0 {
		return nil, apperr.Invalid("chunks must be a non-empty array")
	}

	raw, err := d.catalog.Upload(ctx, user, doc)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Str("user", user).Str("document_id", doc.DocumentID).Int("chunks", len(chunks)).Msg("Document uploaded")
	return raw, nil
}

func (d *DocumentService) ListDocuments(ctx context.Context, user string) ([]clients.OwnedDocument, error) {
	return d.catalog.ListDocuments(ctx, strings.ToLower(user))
}

// DocumentPDF returns the file of a document the user bought whole.
func (d *DocumentService) DocumentPDF(ctx context.Context, user, documentID string) ([]byte, error) {
	if documentID == "" {
		return nil, apperr.Invalid("documentId is required")
	}
	owned, err := d.store.HasDocumentPurchase(ctx, user, documentID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, fmt.Errorf("document %s not purchased: %w", documentID, apperr.ErrUnauthorized)
	}
	return d.catalog.DocumentPDF(ctx, documentID)
}

// DeleteDocument removes one of the user's own uploads, addressed by name.
func (d *DocumentService) DeleteDocument(ctx context.Context, user, documentName string) (json.RawMessage, error) {
	user = strings.ToLower(user)
	if strings.TrimSpace(documentName) == "" {
		return nil, apperr.Invalid("documentName is required")
	}
	docs, err := d.catalog.ListDocuments(ctx, user)
	if err != nil {
		return nil, err
	}
	owned := false
	for _, doc := range docs {
		if doc.Name == documentName {
			owned = true
			break
		}
	}
	if !owned {
		return nil, fmt.Errorf("document %q among uploads of %s: %w", documentName, user, apperr.ErrNotFound)
	}

	raw, err := d.catalog.DeleteDocument(ctx, user, documentName)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Str("user", user).Str("document_name", documentName).Msg("Document deleted")
	return raw, nil
}

func (d *DocumentService) DocumentRatings(ctx context.Context) ([]clients.DocumentRatingEntry, error) {
	return d.catalog.DocumentRatings(ctx)
}

// UserPurchases groups the user's paid purchases by document, most recent
// document first. A rating that cannot be fetched is reported as 0.
func (d *DocumentService) UserPurchases(ctx context.Context, user string) ([]DocumentPurchases, error) {
	purchases, err := d.store.ListPurchases(ctx, user)
	if err != nil {
		return nil, err
	}

	groups := []DocumentPurchases{}
	index := make(map[string]int)
	for _, p := range purchases {
		i, ok := index[p.DocumentID]
		if !ok {
			i = len(groups)
			index[p.DocumentID] = i
			groups = append(groups, DocumentPurchases{
				Document:   p.DocumentName,
				DocumentID: p.DocumentID,
				Chunks:     []PurchasedChunk{},
			})
		}
		if p.ChunkID == nil {
			groups[i].FullDoc = true
			continue
		}
		groups[i].Chunks = append(groups[i].Chunks, PurchasedChunk{
			ChunkID:        *p.ChunkID,
			ContentPreview: p.ContentPreview,
			Price:          p.Price,
			Timestamp:      p.CreatedAt,
		})
	}

	for i := range groups {
		rating, err := d.catalog.DocumentRating(ctx, groups[i].DocumentID)
		if err != nil {
			d.logger.Debug().Err(err).Str("document_id", groups[i].DocumentID).Msg("Document rating unavailable")
			continue
		}
		groups[i].Rating = rating
	}
	return groups, nil
}
