package core

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/store"
)

// WithdrawalProcessor pays platform tokens out through the token contract and
// debits the ledger only after the rail confirmed the transfer.
type WithdrawalProcessor struct {
	store         *store.SQLStore
	locks         *UserLocks
	rail          PayoutRail
	tokenDecimals int32
	payoutTimeout time.Duration
	logger        zerolog.Logger
}

func NewWithdrawalProcessor(s *store.SQLStore, locks *UserLocks, rail PayoutRail, tokenDecimals int32, payoutTimeout time.Duration, logger zerolog.Logger) *WithdrawalProcessor {
	if payoutTimeout <= 0 {
		payoutTimeout = time.Minute
	}
	return &WithdrawalProcessor{
		store:         s,
		locks:         locks,
		rail:          rail,
		tokenDecimals: tokenDecimals,
		payoutTimeout: payoutTimeout,
		logger:        logger.With().Str("component", "withdrawal").Logger(),
	}
}

type WithdrawalResult struct {
	Status           string       `json:"status"`
	Amount           store.Tokens `json:"amount"`
	Recipient        string       `json:"recipient"`
	RemainingBalance store.Tokens `json:"remainingBalance"`
}

// Withdraw transfers amount to recipient. The user's lock is held across the
// payout so the balance cannot be spent twice while the rail call is in
// flight.
func (w *WithdrawalProcessor) Withdraw(ctx context.Context, user string, amount decimal.Decimal, recipient string) (*WithdrawalResult, error) {
	user = strings.ToLower(user)
	recipient = strings.ToLower(recipient)

	tokens, units, err := w.validate(amount)
	if err != nil {
		withdrawalsTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	unlock := w.locks.Lock(user)
	defer unlock()

	balance, err := w.store.Balance(ctx, user)
	if err != nil {
		return nil, err
	}
	if tokens > balance {
		withdrawalsTotal.WithLabelValues("insufficient_funds").Inc()
		return nil, &apperr.InsufficientFundsError{Required: tokens.Decimal(), Available: balance.Decimal()}
	}

	// Once the rail has been asked to pay, the ledger write must not be
	// skipped because the caller went away.
	ctx = context.WithoutCancel(ctx)

	payoutCtx, cancel := context.WithTimeout(ctx, w.payoutTimeout)
	err = w.rail.Payout(payoutCtx, recipient, units.BigInt())
	cancel()
	if err != nil {
		withdrawalsTotal.WithLabelValues(outcomeOf(err)).Inc()
		w.logger.Warn().Err(err).Str("user", user).Str("recipient", recipient).Str("amount", tokens.String()).Msg("Payout failed")
		return nil, err
	}

	err = w.store.InTx(ctx, func(tx *store.SQLStore) error {
		if err := tx.Debit(ctx, user, tokens); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &store.Transaction{
			Type:      store.TransactionWithdraw,
			Amount:    tokens,
			PublicKey: recipient,
		})
	})
	if err != nil {
		withdrawalsTotal.WithLabelValues("error").Inc()
		w.logger.Error().Err(err).Str("user", user).Str("recipient", recipient).Str("amount", tokens.String()).
			Msg("payout-not-debited")
		return nil, err
	}

	withdrawalsTotal.WithLabelValues("ok").Inc()
	w.logger.Info().Str("user", user).Str("recipient", recipient).Str("amount", tokens.String()).Msg("Withdrawal completed")
	return &WithdrawalResult{
		Status:           "success",
		Amount:           tokens,
		Recipient:        recipient,
		RemainingBalance: balance - tokens,
	}, nil
}

// validate returns the ledger amount and the contract base units.
func (w *WithdrawalProcessor) validate(amount decimal.Decimal) (store.Tokens, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return 0, decimal.Zero, apperr.Invalid("amount must be positive")
	}
	if !amount.Equal(amount.Round(store.TokenScale)) {
		return 0, decimal.Zero, apperr.Invalid("amount has more than %d decimals", store.TokenScale)
	}
	units := amount.Shift(w.tokenDecimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, decimal.Zero, apperr.Invalid("amount has more than %d decimals", w.tokenDecimals)
	}
	tokens, err := store.TokensFromDecimal(amount)
	if err != nil {
		return 0, decimal.Zero, apperr.Invalid("amount is too large")
	}
	return tokens, units, nil
}
