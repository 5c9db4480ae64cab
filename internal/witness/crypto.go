package witness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrInvalidSignature = errors.New("witness: invalid signature")
)

// Hash computes the EIP-712 digest the wallet actually signs.
func Hash(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("witness: hash typed data: %w", err)
	}
	return hash, nil
}

// RecoverSigner recovers the lower-cased address that produced the
// signature over the typed data. Both 0/1 and 27/28 recovery IDs are
// accepted since wallets differ on which they emit.
func RecoverSigner(td apitypes.TypedData, signature string) (string, error) {
	raw := common.FromHex(signature)
	if len(raw) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(raw))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, raw[64])
	}

	hash, err := Hash(td)
	if err != nil {
		return "", err
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature reports whether the signature over the typed data was
// produced by the expected address. Address comparison is case-insensitive.
func VerifySignature(td apitypes.TypedData, signature, expected string) (bool, error) {
	signer, err := RecoverSigner(td, signature)
	if err != nil {
		return false, err
	}
	return signer == strings.ToLower(expected), nil
}
