// Package witness builds and verifies the EIP-712 payloads a user signs to
// authorize gas-sponsored settlement. A witness carries everything the Q402
// contract re-validates on-chain: owner, amounts, a deadline, a fresh payment
// ID, and a per-owner nonce. The typed-data domain must match the contract's
// domainSeparator exactly or on-chain recovery fails.
package witness

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/q402/copilot/internal/validation"
)

// EIP-712 domain constants, fixed by the deployed Q402 contracts.
const (
	DomainName    = "Q402"
	DomainVersion = "1"
)

// Operation kinds within a batch witness.
const (
	OpTransfer uint8 = 0
	OpSwap     uint8 = 1
	OpCall     uint8 = 2
)

var (
	ErrInvalidAmount  = errors.New("witness: amount must be a base-unit decimal string")
	ErrInvalidAddress = errors.New("witness: invalid address")
)

// Payment is a single-transfer witness. Amount is a base-unit decimal string
// (wei-scale for the token); PaymentID is a 0x-prefixed 32-byte hex value.
type Payment struct {
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	To        string `json:"to"`
	Deadline  int64  `json:"deadline"`
	PaymentID string `json:"paymentId"`
	Nonce     uint64 `json:"nonce"`
}

// Operation is one step of a batch witness. Data carries 0x-prefixed
// calldata for call operations and is empty otherwise.
type Operation struct {
	Kind   uint8  `json:"kind"`
	Token  string `json:"token"`
	Target string `json:"target"`
	Amount string `json:"amount"`
	Data   string `json:"data"`
}

// Batch is an ordered multi-operation witness executed atomically by the
// batch executor contract.
type Batch struct {
	Owner      string      `json:"owner"`
	Operations []Operation `json:"operations"`
	Deadline   int64       `json:"deadline"`
	PaymentID  string      `json:"paymentId"`
	Nonce      uint64      `json:"nonce"`
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var paymentTypes = apitypes.Types{
	"EIP712Domain": domainType,
	"PaymentWitness": {
		{Name: "owner", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "to", Type: "address"},
		{Name: "deadline", Type: "uint256"},
		{Name: "paymentId", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	},
}

var batchTypes = apitypes.Types{
	"EIP712Domain": domainType,
	"Operation": {
		{Name: "kind", Type: "uint8"},
		{Name: "token", Type: "address"},
		{Name: "target", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	},
	"BatchWitness": {
		{Name: "owner", Type: "address"},
		{Name: "operations", Type: "Operation[]"},
		{Name: "deadline", Type: "uint256"},
		{Name: "paymentId", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Domain builds the typed-data domain for a network's verifying contract.
func Domain(chainID int64, verifyingContract string) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           math.NewHexOrDecimal256(chainID),
		VerifyingContract: verifyingContract,
	}
}

// Validate checks the payment's field formats before typed data is built.
func (p Payment) Validate() error {
	for _, addr := range []string{p.Owner, p.Token, p.To} {
		if !validation.IsValidEthAddress(addr) {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
	}
	if !validAmount(p.Amount) {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, p.Amount)
	}
	if !validation.IsValidBytes32(p.PaymentID) {
		return fmt.Errorf("witness: paymentId must be a 0x-prefixed 32-byte hex value")
	}
	return nil
}

// TypedData assembles the signable EIP-712 structure for this payment.
func (p Payment) TypedData(chainID int64, verifyingContract string) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       paymentTypes,
		PrimaryType: "PaymentWitness",
		Domain:      Domain(chainID, verifyingContract),
		Message: apitypes.TypedDataMessage{
			"owner":     p.Owner,
			"token":     p.Token,
			"amount":    p.Amount,
			"to":        p.To,
			"deadline":  fmt.Sprintf("%d", p.Deadline),
			"paymentId": p.PaymentID,
			"nonce":     fmt.Sprintf("%d", p.Nonce),
		},
	}
}

// Validate checks the batch's field formats before typed data is built.
func (b Batch) Validate() error {
	if !validation.IsValidEthAddress(b.Owner) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, b.Owner)
	}
	if len(b.Operations) == 0 {
		return errors.New("witness: batch must contain at least one operation")
	}
	for i, op := range b.Operations {
		if op.Kind > OpCall {
			return fmt.Errorf("witness: operation[%d]: unknown kind %d", i, op.Kind)
		}
		for _, addr := range []string{op.Token, op.Target} {
			if !validation.IsValidEthAddress(addr) {
				return fmt.Errorf("%w: operation[%d]: %q", ErrInvalidAddress, i, addr)
			}
		}
		if !validAmount(op.Amount) {
			return fmt.Errorf("%w: operation[%d]: %q", ErrInvalidAmount, i, op.Amount)
		}
		if op.Data != "" && !validation.IsValidHex(op.Data) {
			return fmt.Errorf("witness: operation[%d]: data must be hex", i)
		}
	}
	if !validation.IsValidBytes32(b.PaymentID) {
		return fmt.Errorf("witness: paymentId must be a 0x-prefixed 32-byte hex value")
	}
	return nil
}

// TypedData assembles the signable EIP-712 structure for this batch.
func (b Batch) TypedData(chainID int64, verifyingContract string) apitypes.TypedData {
	ops := make([]interface{}, len(b.Operations))
	for i, op := range b.Operations {
		data := op.Data
		if data == "" {
			data = "0x"
		}
		ops[i] = map[string]interface{}{
			"kind":   fmt.Sprintf("%d", op.Kind),
			"token":  op.Token,
			"target": op.Target,
			"amount": op.Amount,
			"data":   data,
		}
	}
	return apitypes.TypedData{
		Types:       batchTypes,
		PrimaryType: "BatchWitness",
		Domain:      Domain(chainID, verifyingContract),
		Message: apitypes.TypedDataMessage{
			"owner":      b.Owner,
			"operations": ops,
			"deadline":   fmt.Sprintf("%d", b.Deadline),
			"paymentId":  b.PaymentID,
			"nonce":      fmt.Sprintf("%d", b.Nonce),
		},
	}
}

// validAmount accepts non-negative base-unit decimal strings.
func validAmount(s string) bool {
	if s == "" {
		return false
	}
	v, ok := new(big.Int).SetString(s, 10)
	return ok && v.Sign() >= 0
}
