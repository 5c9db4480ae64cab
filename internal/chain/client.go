// Package chain submits settlements to the Q402 contracts on BNB Chain.
// The facilitator signs and pays for the transaction; the contract
// re-verifies the user's witness signature and is the authority on
// per-owner nonces and consumed payment IDs.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/q402/copilot/internal/circuitbreaker"
	"github.com/q402/copilot/internal/retry"
	"github.com/q402/copilot/internal/witness"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrNoFacilitatorKey  = errors.New("chain: no facilitator key configured")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrUnknownNetwork    = errors.New("chain: unknown network")
	ErrCircuitOpen       = errors.New("chain: RPC circuit open")
)

// SettleError wraps settlement failures with the failing step and, when
// the transaction made it on chain, its hash.
type SettleError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SettleError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SettleError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Q402 contract surface used by the facilitator. settle executes a single
// sponsored transfer; executeBatch runs an operation list atomically. Both
// recover the witness signature on chain and bump the owner's nonce.
const q402ABI = `[
	{"inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"},{"name":"paymentId","type":"bytes32"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"}],"name":"settle","outputs":[],"type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"components":[{"name":"kind","type":"uint8"},{"name":"token","type":"address"},{"name":"target","type":"address"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"name":"operations","type":"tuple[]"},{"name":"deadline","type":"uint256"},{"name":"paymentId","type":"bytes32"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"}],"name":"executeBatch","outputs":[],"type":"function"},
	{"inputs":[{"name":"owner","type":"address"}],"name":"nonces","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"inputs":[{"name":"paymentId","type":"bytes32"}],"name":"consumed","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"inputs":[],"name":"domainSeparator","outputs":[{"name":"","type":"bytes32"}],"type":"function"}
]`

const (
	// DefaultSettleGasLimit when estimation fails for a single settle.
	DefaultSettleGasLimit = uint64(250000)

	// DefaultBatchGasLimit when estimation fails for a batch.
	DefaultBatchGasLimit = uint64(900000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	rpcRetryAttempts = 3
	rpcRetryBase     = 200 * time.Millisecond
)

// packedOperation mirrors the Operation tuple in the executeBatch ABI.
type packedOperation struct {
	Kind   uint8
	Token  common.Address
	Target common.Address
	Amount *big.Int
	Data   []byte
}

// Config describes one network's contracts and RPC endpoint. PrivateKey is
// optional; without it the client can read state but not settle.
type Config struct {
	Name           string
	RPCURL         string
	ChainID        int64
	PrivateKey     string
	Implementation string
	BatchExecutor  string
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// WithBreaker sets a custom circuit breaker (useful for testing).
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// SettleResult carries the on-chain outcome of a settlement.
type SettleResult struct {
	TxHash      string
	Network     string
	BlockNumber uint64
	GasUsed     uint64
	GasPriceWei *big.Int
	Nonce       uint64
}

// SponsoredWei is the gas cost the facilitator paid for this settlement.
func (r *SettleResult) SponsoredWei() *big.Int {
	if r.GasPriceWei == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(r.GasPriceWei, new(big.Int).SetUint64(r.GasUsed))
}

// Client talks to the Q402 contracts on a single network.
type Client struct {
	name           string
	client         EthClient
	key            *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	implementation common.Address
	batchExecutor  common.Address
	abi            abi.ABI
	breaker        *circuitbreaker.Breaker
}

const (
	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
)

// New creates a client for one network.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain: chain ID required")
	}
	if cfg.Implementation == "" {
		return nil, errors.New("chain: implementation contract address required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(q402ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse ABI: %w", err)
	}

	c := &Client{
		name:           cfg.Name,
		chainID:        big.NewInt(cfg.ChainID),
		implementation: common.HexToAddress(cfg.Implementation),
		batchExecutor:  common.HexToAddress(cfg.BatchExecutor),
		abi:            parsedABI,
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		c.key = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = ec
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(breakerThreshold, breakerOpenDuration)
	}

	return c, nil
}

// Name returns the network name this client serves.
func (c *Client) Name() string { return c.name }

// ChainID returns the network's chain ID.
func (c *Client) ChainID() int64 { return c.chainID.Int64() }

// CanSettle reports whether a facilitator key is configured.
func (c *Client) CanSettle() bool { return c.key != nil }

// FacilitatorAddress returns the sponsoring address, or "" without a key.
func (c *Client) FacilitatorAddress() string {
	if c.key == nil {
		return ""
	}
	return c.address.Hex()
}

// Implementation returns the verifying contract address for this network.
func (c *Client) Implementation() string {
	return strings.ToLower(c.implementation.Hex())
}

// SubmitSettlement signs and sends a settle transaction for the payment.
func (c *Client) SubmitSettlement(ctx context.Context, p witness.Payment, signature string) (*SettleResult, error) {
	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return nil, &SettleError{Op: "pack", Err: fmt.Errorf("bad amount %q", p.Amount)}
	}

	data, err := c.abi.Pack("settle",
		common.HexToAddress(p.Owner),
		common.HexToAddress(p.Token),
		amount,
		common.HexToAddress(p.To),
		big.NewInt(p.Deadline),
		common.HexToHash(p.PaymentID),
		new(big.Int).SetUint64(p.Nonce),
		common.FromHex(signature),
	)
	if err != nil {
		return nil, &SettleError{Op: "pack", Err: err}
	}

	return c.submit(ctx, c.implementation, data, DefaultSettleGasLimit)
}

// SubmitBatch signs and sends an executeBatch transaction.
func (c *Client) SubmitBatch(ctx context.Context, b witness.Batch, signature string) (*SettleResult, error) {
	ops := make([]packedOperation, len(b.Operations))
	for i, op := range b.Operations {
		amount, ok := new(big.Int).SetString(op.Amount, 10)
		if !ok {
			return nil, &SettleError{Op: "pack", Err: fmt.Errorf("operation[%d]: bad amount %q", i, op.Amount)}
		}
		ops[i] = packedOperation{
			Kind:   op.Kind,
			Token:  common.HexToAddress(op.Token),
			Target: common.HexToAddress(op.Target),
			Amount: amount,
			Data:   common.FromHex(op.Data),
		}
	}

	data, err := c.abi.Pack("executeBatch",
		common.HexToAddress(b.Owner),
		ops,
		big.NewInt(b.Deadline),
		common.HexToHash(b.PaymentID),
		new(big.Int).SetUint64(b.Nonce),
		common.FromHex(signature),
	)
	if err != nil {
		return nil, &SettleError{Op: "pack", Err: err}
	}

	to := c.batchExecutor
	if (to == common.Address{}) {
		to = c.implementation
	}
	return c.submit(ctx, to, data, DefaultBatchGasLimit)
}

func (c *Client) submit(ctx context.Context, to common.Address, data []byte, fallbackGas uint64) (*SettleResult, error) {
	if c.key == nil {
		return nil, &SettleError{Op: "send", Err: ErrNoFacilitatorKey}
	}
	if !c.breaker.Allow(c.name) {
		return nil, &SettleError{Op: "send", Err: ErrCircuitOpen}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		c.breaker.RecordFailure(c.name)
		return nil, &SettleError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		c.breaker.RecordFailure(c.name)
		return nil, &SettleError{Op: "gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = fallbackGas
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, &SettleError{Op: "sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		c.breaker.RecordFailure(c.name)
		return nil, &SettleError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	c.breaker.RecordSuccess(c.name)

	return &SettleResult{
		TxHash:      signedTx.Hash().Hex(),
		Network:     c.name,
		GasPriceWei: gasPrice,
		Nonce:       nonce,
	}, nil
}

// WaitForConfirmation polls for the receipt until the transaction is mined
// or the timeout elapses. A reverted receipt is returned as an error.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*SettleResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}

			if receipt.Status == 0 {
				return nil, &SettleError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}

			result := &SettleResult{
				TxHash:      txHash,
				Network:     c.name,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}
			if receipt.EffectiveGasPrice != nil {
				result.GasPriceWei = receipt.EffectiveGasPrice
			}
			return result, nil
		}
	}
}

// ContractNonce reads the owner's next nonce from the contract, which is
// the authority when it disagrees with local accounting.
func (c *Client) ContractNonce(ctx context.Context, owner string) (*big.Int, error) {
	data, err := c.abi.Pack("nonces", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("chain: pack nonces call: %w", err)
	}
	raw, err := c.call(ctx, data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// PaymentConsumed reads whether a payment ID was already settled on chain.
func (c *Client) PaymentConsumed(ctx context.Context, paymentID string) (bool, error) {
	data, err := c.abi.Pack("consumed", common.HexToHash(paymentID))
	if err != nil {
		return false, fmt.Errorf("chain: pack consumed call: %w", err)
	}
	raw, err := c.call(ctx, data)
	if err != nil {
		return false, err
	}
	return new(big.Int).SetBytes(raw).Sign() != 0, nil
}

func (c *Client) call(ctx context.Context, data []byte) ([]byte, error) {
	if !c.breaker.Allow(c.name) {
		return nil, ErrCircuitOpen
	}
	var raw []byte
	err := retry.Do(ctx, rpcRetryAttempts, rpcRetryBase, func() error {
		var callErr error
		raw, callErr = c.client.CallContract(ctx, ethereum.CallMsg{
			To:   &c.implementation,
			Data: data,
		}, nil)
		return callErr
	})
	if err != nil {
		c.breaker.RecordFailure(c.name)
		return nil, fmt.Errorf("chain: contract call: %w", err)
	}
	c.breaker.RecordSuccess(c.name)
	return raw, nil
}

// NativeBalance returns the facilitator's native token balance in wei.
func (c *Client) NativeBalance(ctx context.Context) (*big.Int, error) {
	if c.key == nil {
		return nil, ErrNoFacilitatorKey
	}
	var balance *big.Int
	err := retry.Do(ctx, rpcRetryAttempts, rpcRetryBase, func() error {
		var balErr error
		balance, balErr = c.client.BalanceAt(ctx, c.address, nil)
		return balErr
	})
	if err != nil {
		return nil, fmt.Errorf("chain: balance: %w", err)
	}
	return balance, nil
}

// Ping checks RPC liveness by asking for the network ID.
func (c *Client) Ping(ctx context.Context) error {
	id, err := c.client.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain: RPC reports chain %s, configured %s", id, c.chainID)
	}
	return nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
