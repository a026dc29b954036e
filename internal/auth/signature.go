package auth

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverAddress returns the lower-cased address that produced a personal_sign
// signature over message. A 0x-prefixed message is treated as hex bytes.
func RecoverAddress(message, signature string) (string, error) {
	msg := []byte(message)
	if strings.HasPrefix(message, "0x") || strings.HasPrefix(message, "0X") {
		decoded, err := hexutil.Decode(message)
		if err != nil {
			return "", fmt.Errorf("failed to decode message: %w", err)
		}
		msg = decoded
	}

	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// Wallets emit v as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature checks that address signed message.
func VerifySignature(address, message, signature string) error {
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return err
	}
	if recovered != strings.ToLower(address) {
		return fmt.Errorf("signature does not match address")
	}
	return nil
}
