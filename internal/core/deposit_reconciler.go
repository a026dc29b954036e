package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/store"
)

type ReconcilerConfig struct {
	OperatorAccount string
	Interval        time.Duration
	Backoff         time.Duration // pause after a failed rail fetch
}

// DepositReconciler credits HBAR transfers into the operator account exactly
// once each.
type DepositReconciler struct {
	store  *store.SQLStore
	locks  *UserLocks
	rail   TransferSource
	rates  *ExchangeRate
	cfg    ReconcilerConfig
	logger zerolog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	skipped map[string]struct{} // transaction ids that can never be credited
}

func NewDepositReconciler(s *store.SQLStore, locks *UserLocks, rail TransferSource, rates *ExchangeRate, cfg ReconcilerConfig, logger zerolog.Logger) *DepositReconciler {
	return &DepositReconciler{
		store:  s,
		locks:  locks,
		rail:   rail,
		rates:  rates,
		cfg:     cfg,
		logger:  logger.With().Str("component", "deposit-reconciler").Logger(),
		skipped: make(map[string]struct{}),
	}
}

// Trigger runs one pass. Concurrent callers share the pass already in flight.
func (r *DepositReconciler) Trigger(ctx context.Context) (int, error) {
	v, err, _ := r.group.Do("reconcile", func() (interface{}, error) {
		return r.Reconcile(context.WithoutCancel(ctx))
	})
	credited, _ := v.(int)
	return credited, err
}

// Run reconciles on every tick until ctx is cancelled.
func (r *DepositReconciler) Run(ctx context.Context) error {
	r.logger.Info().Str("account", r.cfg.OperatorAccount).Dur("interval", r.cfg.Interval).Msg("Listening for HBAR transfers")
	if _, err := r.Trigger(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Reconciliation pass failed")
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Trigger(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation pass failed")
			}
		}
	}
}

// Reconcile credits every transfer newer than the deposit high-water mark
// whose transaction id is not yet recorded. Transfers are applied oldest
// first and the pass stops at the first transient failure, so the mark never
// moves past a transfer that may still be credited. A transfer that can never
// be credited, such as one from an account with no EVM address, is logged and
// passed over.
func (r *DepositReconciler) Reconcile(ctx context.Context) (int, error) {
	transfers, err := r.rail.RecentTransfers(ctx, r.cfg.OperatorAccount)
	if err != nil {
		r.logger.Error().Err(err).Msg("Error fetching transactions")
		r.pause(ctx)
		return 0, fmt.Errorf("failed to fetch transfers: %w", err)
	}
	if _, _, ok := r.rates.Rate(); !ok {
		return 0, r.rateUnavailable()
	}

	mark, hasMark, err := r.store.LatestDepositTime(ctx)
	if err != nil {
		return 0, err
	}

	pending := make([]clients.IncomingTransfer, 0, len(transfers))
	for _, t := range transfers {
		if t.Tinybars <= 0 || (hasMark && !t.Timestamp.After(mark)) {
			continue
		}
		seen, err := r.store.HasExternalTransaction(ctx, t.ExternalID)
		if err != nil {
			return 0, err
		}
		if !seen && !r.isSkipped(t.ExternalID) {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Timestamp.Before(pending[j].Timestamp) })

	credited := 0
	for _, t := range pending {
		if err := r.credit(ctx, t); err != nil {
			if errors.Is(err, store.ErrDuplicateTransaction) {
				continue
			}
			if uncreditable(err) {
				r.skip(t, err)
				continue
			}
			return credited, fmt.Errorf("failed to credit transfer %s: %w", t.ExternalID, err)
		}
		credited++
	}
	return credited, nil
}

func (r *DepositReconciler) credit(ctx context.Context, t clients.IncomingTransfer) error {
	sender, err := r.rail.ResolveAddress(ctx, t.SenderAccount)
	if err != nil {
		return err
	}
	tokens, err := r.rates.TokensForTinybars(t.Tinybars)
	if err != nil {
		return err
	}

	unlock := r.locks.Lock(sender)
	defer unlock()

	externalID := t.ExternalID
	err = r.store.InTx(ctx, func(tx *store.SQLStore) error {
		if err := tx.InsertTransaction(ctx, &store.Transaction{
			Type:       store.TransactionDeposit,
			Amount:     tokens,
			PublicKey:  sender,
			ExternalID: &externalID,
			CreatedAt:  t.Timestamp,
		}); err != nil {
			return err
		}
		return tx.Credit(ctx, sender, tokens)
	})
	if err != nil {
		return err
	}

	depositsCreditedTotal.Inc()
	r.logger.Info().Str("sender", sender).Int64("tinybars", t.Tinybars).Str("tokens", tokens.String()).
		Time("consensus_time", t.Timestamp).Str("transaction_id", t.ExternalID).Msg("Credited deposit")
	return nil
}

// uncreditable reports whether retrying the transfer cannot succeed.
func uncreditable(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrInvalidRequest) ||
		errors.Is(err, store.ErrTokenRange)
}

func (r *DepositReconciler) skip(t clients.IncomingTransfer, err error) {
	r.mu.Lock()
	r.skipped[t.ExternalID] = struct{}{}
	r.mu.Unlock()

	depositsSkippedTotal.Inc()
	r.logger.Error().Err(err).Str("transaction_id", t.ExternalID).Str("sender_account", t.SenderAccount).
		Int64("tinybars", t.Tinybars).Msg("Deposit cannot be credited; skipping")
}

func (r *DepositReconciler) isSkipped(externalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.skipped[externalID]
	return ok
}

func (r *DepositReconciler) rateUnavailable() error {
	r.logger.Warn().Msg("Exchange rate unavailable; deferring deposits")
	_, err := r.rates.TokensForTinybars(0)
	return err
}

func (r *DepositReconciler) pause(ctx context.Context) {
	if r.cfg.Backoff <= 0 {
		return
	}
	t := time.NewTimer(r.cfg.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
