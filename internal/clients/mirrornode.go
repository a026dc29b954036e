package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
)

// IncomingTransfer is one HBAR transfer into the operator account.
type IncomingTransfer struct {
	ExternalID    string
	Timestamp     time.Time
	SenderAccount string
	Tinybars      int64
}

// MirrorNode reads transfers and account metadata from a Hedera mirror node.
type MirrorNode struct {
	http    *resty.Client
	breaker *breaker
}

func NewMirrorNode(baseURL string, timeout time.Duration, logger zerolog.Logger) *MirrorNode {
	return &MirrorNode{
		http:    newRestyClient(baseURL, timeout),
		breaker: newBreaker(DefaultBreakerConfig("mirror-node"), logger),
	}
}

type mirrorTransfer struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type mirrorTransaction struct {
	TransactionID      string           `json:"transaction_id"`
	ConsensusTimestamp string           `json:"consensus_timestamp"`
	Transfers          []mirrorTransfer `json:"transfers"`
}

// RecentTransfers returns the latest (up to 100) Ethereum-relayed transfers
// touching account, newest first as the mirror node orders them. The amount
// is what account received; the sender is the largest payer.
func (m *MirrorNode) RecentTransfers(ctx context.Context, account string) ([]IncomingTransfer, error) {
	return execute(m.breaker, func() ([]IncomingTransfer, error) {
		resp, err := m.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"account.id":      account,
				"limit":           "100",
				"order":           "desc",
				"transactiontype": "ETHEREUMTRANSACTION",
			}).
			Get("api/v1/transactions")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		var page struct {
			Transactions []mirrorTransaction `json:"transactions"`
		}
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, fmt.Errorf("failed to decode transactions: %w", err)
		}

		out := make([]IncomingTransfer, 0, len(page.Transactions))
		for _, tx := range page.Transactions {
			if len(tx.Transfers) == 0 {
				continue
			}
			ts, err := ParseConsensusTimestamp(tx.ConsensusTimestamp)
			if err != nil {
				return nil, err
			}
			in := IncomingTransfer{ExternalID: tx.TransactionID, Timestamp: ts}
			sender := tx.Transfers[0]
			for _, t := range tx.Transfers {
				if t.Account == account {
					in.Tinybars = t.Amount
				}
				if t.Amount < sender.Amount {
					sender = t
				}
			}
			in.SenderAccount = sender.Account
			out = append(out, in)
		}
		return out, nil
	})
}

// ResolveAddress maps a Hedera account id to its lower-case EVM address.
func (m *MirrorNode) ResolveAddress(ctx context.Context, accountID string) (string, error) {
	return execute(m.breaker, func() (string, error) {
		resp, err := m.http.R().
			SetContext(ctx).
			SetQueryParam("limit", "1").
			Get("api/v1/accounts/" + accountID)
		if err := checkResponse(resp, err); err != nil {
			return "", err
		}
		var acct struct {
			EVMAddress string `json:"evm_address"`
		}
		if err := json.Unmarshal(resp.Body(), &acct); err != nil {
			return "", fmt.Errorf("failed to decode account: %w", err)
		}
		if acct.EVMAddress == "" {
			return "", fmt.Errorf("account %s has no evm address: %w", accountID, apperr.ErrNotFound)
		}
		return strings.ToLower(acct.EVMAddress), nil
	})
}

// ParseConsensusTimestamp parses the mirror node's "seconds.nanoseconds" form.
func ParseConsensusTimestamp(s string) (time.Time, error) {
	secPart, nanoPart, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid consensus timestamp %q: %w", s, err)
	}
	var nanos int64
	if nanoPart != "" {
		if len(nanoPart) > 9 {
			nanoPart = nanoPart[:9]
		}
		nanoPart += strings.Repeat("0", 9-len(nanoPart))
		if nanos, err = strconv.ParseInt(nanoPart, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("invalid consensus timestamp %q: %w", s, err)
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}
