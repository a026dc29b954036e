package core

import (
	"github.com/shopspring/decimal"

	"chainshare.app/backend/internal/store"
)

const (
	// MaxRelevance caps 1/distance for (near) exact matches.
	MaxRelevance = 100.0

	RelevanceLow    = "low"
	RelevanceMedium = "medium"
	RelevanceHigh   = "high"
)

// Pricer computes fragment and document prices. It is a pure value.
type Pricer struct {
	MaxChunkPrice          decimal.Decimal
	FlatDocumentChunkPrice decimal.Decimal
}

func NewPricer(maxChunkPrice, flatDocumentChunkPrice decimal.Decimal) Pricer {
	return Pricer{MaxChunkPrice: maxChunkPrice, FlatDocumentChunkPrice: flatDocumentChunkPrice}
}

// FragmentPrice is MaxChunkPrice / (distance + 1). Negative distances are
// treated as 0.
func (p Pricer) FragmentPrice(distance float64) store.Tokens {
	if distance < 0 {
		distance = 0
	}
	divisor := decimal.NewFromFloat(distance).Add(decimal.NewFromInt(1))
	return store.ClampTokens(p.MaxChunkPrice.DivRound(divisor, store.TokenScale))
}

// DocumentFragmentPrice is the flat per-fragment rate of a whole-document
// purchase.
func (p Pricer) DocumentFragmentPrice() store.Tokens {
	return store.ClampTokens(p.FlatDocumentChunkPrice)
}

// DocumentPrice saturates instead of wrapping for absurd chunk counts.
func (p Pricer) DocumentPrice(chunkCount int) store.Tokens {
	if chunkCount < 0 {
		chunkCount = 0
	}
	return store.ClampTokens(p.DocumentFragmentPrice().Decimal().Mul(decimal.NewFromInt(int64(chunkCount))))
}

// Relevance is 1/distance, capped at MaxRelevance so a zero distance never
// divides by zero.
func Relevance(distance float64) float64 {
	if distance <= 1/MaxRelevance {
		return MaxRelevance
	}
	return 1 / distance
}

// RelevanceBucket maps a relevance score to its display bucket. Boundaries
// belong to the higher bucket.
func RelevanceBucket(relevance float64) string {
	switch {
	case relevance < 1:
		return RelevanceLow
	case relevance < 2:
		return RelevanceMedium
	default:
		return RelevanceHigh
	}
}
