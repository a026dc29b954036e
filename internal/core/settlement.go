package core

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/store"
)

// SettleRequest asks to settle the fragments cited by one message.
type SettleRequest struct {
	User            string
	Candidates      []clients.Chunk
	AlreadyOwnedIDs []string // fragments the provider reports as free for User
	MessageID       string
	// Reserve must stay payable after the charge; the chat flow reserves the
	// per-turn fee with it.
	Reserve store.Tokens
}

type SettlementResult struct {
	TotalCost       store.Tokens
	NewPurchases    []store.Purchase
	OwnedReferences []store.Purchase
}

// Settlement converts retrieved fragments into priced purchase rows and one
// debit. The ledger commit and the provider notification are two phases; the
// outbox carries the second one.
type Settlement struct {
	store    *store.SQLStore
	locks    *UserLocks
	pricer   Pricer
	notifier *NotificationWorker
	logger   zerolog.Logger
}

func NewSettlement(s *store.SQLStore, locks *UserLocks, pricer Pricer, notifier *NotificationWorker, logger zerolog.Logger) *Settlement {
	return &Settlement{
		store:    s,
		locks:    locks,
		pricer:   pricer,
		notifier: notifier,
		logger:   logger.With().Str("component", "settlement").Logger(),
	}
}

// Settle records every candidate against the message (zero price when
// already owned), debits the total and queues the provider notification. On
// InsufficientFunds nothing is written.
func (s *Settlement) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	user := strings.ToLower(req.User)
	if user == "" {
		return nil, apperr.Invalid("user is required")
	}

	unlock := s.locks.Lock(user)
	result, notification, err := s.commit(ctx, user, req)
	unlock()
	if err != nil {
		settlementsTotal.WithLabelValues("chunks", outcomeOf(err)).Inc()
		return nil, err
	}
	settlementsTotal.WithLabelValues("chunks", "ok").Inc()
	tokensChargedTotal.Add(result.TotalCost.Decimal().InexactFloat64())

	if notification != nil && s.notifier != nil {
		if err := s.notifier.DeliverNow(context.WithoutCancel(ctx), notification); err != nil {
			s.logger.Warn().Err(err).Str("user", user).Str("notification_id", notification.ID).
				Msg("Settlement committed, provider notification pending")
		}
	}
	return result, nil
}

func (s *Settlement) commit(ctx context.Context, user string, req SettleRequest) (*SettlementResult, *store.Notification, error) {
	result := &SettlementResult{}
	var notification *store.Notification

	err := s.store.InTx(ctx, func(tx *store.SQLStore) error {
		ownedChunks, err := tx.OwnedChunkIDs(ctx, user)
		if err != nil {
			return err
		}
		ownedDocs, err := tx.OwnedDocumentIDs(ctx, user)
		if err != nil {
			return err
		}
		for _, id := range req.AlreadyOwnedIDs {
			ownedChunks[id] = true
		}

		seen := make(map[string]bool, len(req.Candidates))
		for _, c := range req.Candidates {
			if c.ChunkID == "" || seen[c.ChunkID] {
				continue
			}
			seen[c.ChunkID] = true

			p := purchaseFor(user, req.MessageID, c)
			if ownedChunks[c.ChunkID] || ownedDocs[c.DocumentID] {
				result.OwnedReferences = append(result.OwnedReferences, p)
				continue
			}
			p.Price = s.pricer.FragmentPrice(c.Distance)
			result.TotalCost += p.Price
			result.NewPurchases = append(result.NewPurchases, p)
		}

		balance, err := tx.Balance(ctx, user)
		if err != nil {
			return err
		}
		if required := result.TotalCost + req.Reserve; balance < required {
			return &apperr.InsufficientFundsError{Required: required.Decimal(), Available: balance.Decimal()}
		}

		for i := range result.NewPurchases {
			if err := tx.InsertPurchase(ctx, &result.NewPurchases[i]); err != nil {
				return err
			}
		}
		for i := range result.OwnedReferences {
			if err := tx.InsertPurchase(ctx, &result.OwnedReferences[i]); err != nil {
				return err
			}
		}
		if err := tx.Debit(ctx, user, result.TotalCost); err != nil {
			return err
		}

		if len(result.NewPurchases) > 0 {
			payload := buyChunksPayload{}
			for _, p := range result.NewPurchases {
				payload.ChunkIDs = append(payload.ChunkIDs, *p.ChunkID)
				payload.Prices = append(payload.Prices, p.Price)
			}
			if notification, err = enqueue(ctx, tx, store.NotificationBuyChunks, user, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info().Str("user", user).Str("message_id", req.MessageID).
		Int("new", len(result.NewPurchases)).Int("owned", len(result.OwnedReferences)).
		Str("total_cost", result.TotalCost.String()).Msg("Settled fragments")
	return result, notification, nil
}

func purchaseFor(user, messageID string, c clients.Chunk) store.Purchase {
	chunkID := c.ChunkID
	p := store.Purchase{
		ChunkID:        &chunkID,
		DocumentID:     c.DocumentID,
		DocumentName:   c.DocumentName,
		ContentPreview: c.ContentPreview,
		PublicKey:      user,
		Relevance:      Relevance(c.Distance),
	}
	if messageID != "" {
		mid := messageID
		p.MessageID = &mid
	}
	return p
}

func outcomeOf(err error) string {
	code := apperr.Code(err)
	if code == "internal" {
		return "error"
	}
	return code
}
