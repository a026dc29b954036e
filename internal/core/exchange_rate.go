package core

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/store"
)

var (
	tinybarsPerHbar = decimal.New(1, 8)
	centsPerEuro    = decimal.NewFromInt(100)
)

// ExchangeRate caches the HBAR/EUR price. A failed refresh keeps the last
// known rate; until the first success every conversion fails with
// apperr.ErrRateUnavailable.
type ExchangeRate struct {
	source RateSource
	logger zerolog.Logger

	// RetryFor bounds the retries of one Refresh.
	RetryFor time.Duration

	mu        sync.RWMutex
	rate      decimal.Decimal
	fetchedAt time.Time
	ok        bool
}

func NewExchangeRate(source RateSource, logger zerolog.Logger) *ExchangeRate {
	return &ExchangeRate{
		source:   source,
		logger:   logger.With().Str("component", "exchange-rate").Logger(),
		RetryFor: 30 * time.Second,
	}
}

// Refresh fetches the current rate, retrying with backoff.
func (e *ExchangeRate) Refresh(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = e.RetryFor

	rate, err := backoff.RetryNotifyWithData[decimal.Decimal](func() (decimal.Decimal, error) {
		return e.source.HbarEUR(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		e.logger.Debug().Err(err).Dur("retry_in", next).Msg("Exchange rate fetch failed")
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Keeping last known exchange rate")
		return err
	}

	e.mu.Lock()
	e.rate = rate
	e.fetchedAt = time.Now().UTC()
	e.ok = true
	e.mu.Unlock()

	exchangeRateEUR.Set(rate.InexactFloat64())
	e.logger.Debug().Str("hbar_eur", rate.String()).Msg("Exchange rate updated")
	return nil
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
func (e *ExchangeRate) Run(ctx context.Context, interval time.Duration) error {
	_ = e.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = e.Refresh(ctx)
		}
	}
}

// Rate returns the cached HBAR price in euros and when it was fetched. ok is
// false while no fetch has ever succeeded.
func (e *ExchangeRate) Rate() (rate decimal.Decimal, fetchedAt time.Time, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rate, e.fetchedAt, e.ok
}

// HbarForCents converts a euro-cent amount to HBAR, formatted with eight
// decimals.
func (e *ExchangeRate) HbarForCents(cents decimal.Decimal) (string, error) {
	rate, _, ok := e.Rate()
	if !ok {
		return "", apperr.ErrRateUnavailable
	}
	return cents.Div(centsPerEuro).Div(rate).StringFixed(8), nil
}

// TokensForTinybars converts a deposit: one euro buys 100 tokens.
func (e *ExchangeRate) TokensForTinybars(tinybars int64) (store.Tokens, error) {
	rate, _, ok := e.Rate()
	if !ok {
		return 0, apperr.ErrRateUnavailable
	}
	hbar := decimal.NewFromInt(tinybars).Div(tinybarsPerHbar)
	return store.TokensFromDecimal(rate.Mul(hbar).Mul(centsPerEuro))
}
