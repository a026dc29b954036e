package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const hbarCoinID = "hedera-hashgraph"

type CoinGecko struct {
	http    *resty.Client
	breaker *breaker
}

func NewCoinGecko(baseURL string, timeout time.Duration, logger zerolog.Logger) *CoinGecko {
	return &CoinGecko{
		http:    newRestyClient(baseURL, timeout),
		breaker: newBreaker(DefaultBreakerConfig("coingecko"), logger),
	}
}

// HbarEUR returns the current HBAR price in euros.
func (c *CoinGecko) HbarEUR(ctx context.Context) (decimal.Decimal, error) {
	return execute(c.breaker, func() (decimal.Decimal, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"ids": hbarCoinID, "vs_currencies": "eur"}).
			Get("simple/price")
		if err := checkResponse(resp, err); err != nil {
			return decimal.Zero, err
		}
		var prices map[string]map[string]decimal.Decimal
		if err := json.Unmarshal(resp.Body(), &prices); err != nil {
			return decimal.Zero, fmt.Errorf("failed to decode price: %w", err)
		}
		eur, ok := prices[hbarCoinID]["eur"]
		if !ok || !eur.IsPositive() {
			return decimal.Zero, fmt.Errorf("no positive eur price for %s", hbarCoinID)
		}
		return eur, nil
	})
}
