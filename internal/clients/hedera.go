package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hashgraph/hedera-sdk-go/v2"
	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
)

const payoutGas = 100000

// HederaConfig names the operator account paying out and the token contract.
type HederaConfig struct {
	Network     string
	OperatorID  string
	OperatorKey string
	ContractID  string
	Timeout     time.Duration // per SDK request, retries included
}

// HederaPayout transfers platform tokens out through the token contract's
// transfer(address,uint256).
type HederaPayout struct {
	client     *hedera.Client
	contractID hedera.ContractID
	logger     zerolog.Logger
}

// NewHederaPayout returns a payout rail. With an incomplete configuration the
// rail is returned unconfigured and every payout fails.
func NewHederaPayout(cfg HederaConfig, logger zerolog.Logger) (*HederaPayout, error) {
	p := &HederaPayout{logger: logger.With().Str("component", "hedera-payout").Logger()}
	if cfg.OperatorID == "" || cfg.OperatorKey == "" || cfg.ContractID == "" {
		p.logger.Warn().Msg("Hedera payout is not configured; withdrawals will fail")
		return p, nil
	}

	operatorID, err := hedera.AccountIDFromString(cfg.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("invalid HEDERA_OPERATOR_ID: %w", err)
	}
	operatorKey, err := hedera.PrivateKeyFromString(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("invalid HEDERA_OPERATOR_LONG_PRIVATE_KEY: %w", err)
	}
	contractID, err := hedera.ContractIDFromString(cfg.ContractID)
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_CONTRACT_ID: %w", err)
	}

	var client *hedera.Client
	switch cfg.Network {
	case "mainnet":
		client = hedera.ClientForMainnet()
	case "previewnet":
		client = hedera.ClientForPreviewnet()
	default:
		client = hedera.ClientForTestnet()
	}
	client.SetOperator(operatorID, operatorKey)
	if cfg.Timeout > 0 {
		timeout := cfg.Timeout
		client.SetRequestTimeout(&timeout)
	}

	p.client = client
	p.contractID = contractID
	return p, nil
}

func (p *HederaPayout) Configured() bool {
	return p.client != nil
}

// Payout sends amount base units of the token to recipient and waits for the
// receipt. Any failure is reported as apperr.ErrExternalPayoutFailed. When
// ctx ends first the transfer may still land; that case is logged as
// payout-outcome-unknown.
func (p *HederaPayout) Payout(ctx context.Context, recipient string, amount *big.Int) error {
	if p.client == nil {
		return fmt.Errorf("payout rail not configured: %w", apperr.ErrExternalPayoutFailed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("payout cancelled: %v: %w", err, apperr.ErrExternalPayoutFailed)
	}
	if amount.Sign() <= 0 || amount.BitLen() > 256 {
		return apperr.Invalid("payout amount out of range: %s", amount)
	}

	params, err := hedera.NewContractFunctionParameters().AddAddress(strings.TrimPrefix(strings.ToLower(recipient), "0x"))
	if err != nil {
		return apperr.Invalid("invalid recipient address %s", recipient)
	}
	params = params.AddUint256(uint256Bytes(amount))

	done := make(chan error, 1)
	go func() { done <- p.transfer(params) }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Str("recipient", recipient).Str("amount", amount.String()).Msg("payout-outcome-unknown")
		return fmt.Errorf("payout timed out: %v: %w", ctx.Err(), apperr.ErrExternalPayoutFailed)
	}

	p.logger.Info().Str("recipient", recipient).Str("amount", amount.String()).Msg("Transferred tokens")
	return nil
}

func (p *HederaPayout) transfer(params *hedera.ContractFunctionParameters) error {
	resp, err := hedera.NewContractExecuteTransaction().
		SetContractID(p.contractID).
		SetGas(payoutGas).
		SetFunction("transfer", params).
		Execute(p.client)
	if err != nil {
		return fmt.Errorf("failed to execute transfer: %v: %w", err, apperr.ErrExternalPayoutFailed)
	}
	receipt, err := resp.GetReceipt(p.client)
	if err != nil {
		return fmt.Errorf("failed to get transfer receipt: %v: %w", err, apperr.ErrExternalPayoutFailed)
	}
	if receipt.Status != hedera.StatusSuccess {
		return fmt.Errorf("transfer status %s: %w", receipt.Status, apperr.ErrExternalPayoutFailed)
	}
	return nil
}

func (p *HederaPayout) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// uint256Bytes encodes v as a 32-byte big-endian word.
func uint256Bytes(v *big.Int) []byte {
	return v.FillBytes(make([]byte, 32))
}
