package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/store"
)

func transfer(id string, unix int64, sender string, tinybars int64) clients.IncomingTransfer {
	return clients.IncomingTransfer{
		ExternalID:    id,
		Timestamp:     time.Unix(unix, 0).UTC(),
		SenderAccount: sender,
		Tinybars:      tinybars,
	}
}

func newReconciler(t *testing.T, env *testEnv, rail *fakeRail, withRate bool) *DepositReconciler {
	t.Helper()
	rates := NewExchangeRate(&fakeRates{rate: decimal.RequireFromString("0.25")}, zerolog.Nop())
	if withRate {
		require.NoError(t, rates.Refresh(context.Background()))
	}
	return NewDepositReconciler(env.store, env.locks, rail, rates, ReconcilerConfig{
		OperatorAccount: "0.0.100",
		Interval:        time.Minute,
		Backoff:         time.Millisecond,
	}, zerolog.Nop())
}

func TestReconcileCreditsOncePerTransfer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rail := &fakeRail{
		// newest first, as the mirror node returns them
		transfers: []clients.IncomingTransfer{
			transfer("0.0.12-1700000200-0", 1_700_000_200, "0.0.12", 200_000_000),
			transfer("0.0.11-1700000100-0", 1_700_000_100, "0.0.11", 100_000_000),
			transfer("0.0.11-1700000050-0", 1_700_000_050, "0.0.11", 0),
		},
		addresses: map[string]string{"0.0.11": alice, "0.0.12": bob},
	}
	r := newReconciler(t, env, rail, true)

	credited, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, credited)
	assert.Equal(t, tok("25"), env.balance(t, alice))
	assert.Equal(t, tok("50"), env.balance(t, bob))

	mark, ok, err := env.store.LatestDepositTime(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Unix(1_700_000_200, 0).UTC(), mark)

	// Replaying the same page credits nothing.
	credited, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited)
	assert.Equal(t, tok("25"), env.balance(t, alice))
	assert.Equal(t, tok("50"), env.balance(t, bob))

	txs, err := env.store.ListTransactions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, store.TransactionDeposit, txs[0].Type)
}

func TestReconcileSkipsTransfersBehindHighWaterMark(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rail := &fakeRail{
		transfers: []clients.IncomingTransfer{transfer("t2", 1_700_000_200, "0.0.11", 100_000_000)},
		addresses: map[string]string{"0.0.11": alice},
	}
	r := newReconciler(t, env, rail, true)
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	rail.transfers = []clients.IncomingTransfer{
		transfer("t3", 1_700_000_300, "0.0.11", 100_000_000),
		transfer("t2", 1_700_000_200, "0.0.11", 100_000_000),
		transfer("t1", 1_700_000_100, "0.0.11", 100_000_000), // late arrival, older than the mark
	}
	credited, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)
	assert.Equal(t, tok("50"), env.balance(t, alice))
}

func TestReconcileStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rail := &fakeRail{
		transfers: []clients.IncomingTransfer{
			transfer("t2", 1_700_000_200, "0.0.12", 100_000_000),
			transfer("t1", 1_700_000_100, "0.0.99", 100_000_000),
		},
		addresses: map[string]string{"0.0.12": bob},
	}
	r := newReconciler(t, env, rail, true)

	credited, err := r.Reconcile(ctx)
	require.Error(t, err)
	assert.Zero(t, credited)
	assert.Zero(t, env.balance(t, bob), "newer transfers wait for the older one")

	rail.addresses["0.0.99"] = alice
	credited, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, credited)
	assert.Equal(t, tok("25"), env.balance(t, alice))
	assert.Equal(t, tok("25"), env.balance(t, bob))
}

func TestReconcileSkipsUncreditableTransfer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rail := &fakeRail{
		transfers: []clients.IncomingTransfer{
			transfer("t2", 1_700_000_200, "0.0.12", 100_000_000),
			transfer("t1", 1_700_000_100, "0.0.98", 100_000_000),
		},
		addresses: map[string]string{"0.0.12": bob},
		noAddress: map[string]bool{"0.0.98": true},
	}
	r := newReconciler(t, env, rail, true)

	credited, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)
	assert.Equal(t, tok("25"), env.balance(t, bob))

	seen, err := env.store.HasExternalTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, seen)

	rail.transfers = append([]clients.IncomingTransfer{transfer("t3", 1_700_000_300, "0.0.12", 100_000_000)}, rail.transfers...)
	credited, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)
	assert.Equal(t, tok("50"), env.balance(t, bob))
}

func TestReconcileSkippedTransferIsNotRetried(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rail := &fakeRail{
		transfers: []clients.IncomingTransfer{transfer("t1", 1_700_000_100, "0.0.98", 100_000_000)},
		noAddress: map[string]bool{"0.0.98": true},
	}
	r := newReconciler(t, env, rail, true)

	credited, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited)
	assert.True(t, r.isSkipped("t1"))

	// The account later gains an address, but the skipped transfer stays skipped
	// for the life of the process.
	rail.noAddress = nil
	rail.addresses = map[string]string{"0.0.98": alice}
	credited, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited)
	assert.Zero(t, env.balance(t, alice))
}

func TestReconcileWithoutRateCreditsNothing(t *testing.T) {
	env := newTestEnv(t)
	rail := &fakeRail{
		transfers: []clients.IncomingTransfer{transfer("t1", 1_700_000_100, "0.0.11", 100_000_000)},
		addresses: map[string]string{"0.0.11": alice},
	}
	r := newReconciler(t, env, rail, false)

	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, apperr.ErrRateUnavailable)
	assert.Zero(t, env.balance(t, alice))
}

func TestReconcileFetchFailure(t *testing.T) {
	env := newTestEnv(t)
	rail := &fakeRail{fetchErr: errors.New("mirror node down")}
	r := newReconciler(t, env, rail, true)

	credited, err := r.Trigger(context.Background())
	require.Error(t, err)
	assert.Zero(t, credited)
	assert.Equal(t, 1, rail.fetchCalls)
}
