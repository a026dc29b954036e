package core

import (
	"context"

	"chainshare.app/backend/internal/store"
)

// FundsGate is the pre-flight check in front of metered actions.
type FundsGate struct {
	store   *store.SQLStore
	baseFee store.Tokens
}

func NewFundsGate(s *store.SQLStore, baseFee store.Tokens) *FundsGate {
	return &FundsGate{store: s, baseFee: baseFee}
}

// CheckTurnEligibility reports whether the user can pay the per-turn fee.
func (g *FundsGate) CheckTurnEligibility(ctx context.Context, publicKey string) (bool, error) {
	balance, err := g.store.Balance(ctx, publicKey)
	if err != nil {
		return false, err
	}
	return balance >= g.baseFee, nil
}

func (g *FundsGate) BaseFee() store.Tokens {
	return g.baseFee
}
