package facilitator

import (
	"context"
	"strconv"
	"sync"
)

// NonceStore issues and tracks witness nonces. Nonces are unique per
// (owner, verifyingContract); the on-chain contract is the final authority
// on consumption, this store is the server's optimistic view. Issuance for
// a given owner is additionally serialized by the service's per-owner lock.
type NonceStore interface {
	// NextNonce returns the next unissued nonce for the pair, starting at 1.
	NextNonce(ctx context.Context, owner, contract string) (uint64, error)

	// MarkConsumed records that a nonce and its payment ID settled on chain.
	MarkConsumed(ctx context.Context, owner, contract string, nonce uint64, paymentID string) error

	NonceConsumed(ctx context.Context, owner, contract string, nonce uint64) (bool, error)
	PaymentConsumed(ctx context.Context, paymentID string) (bool, error)
}

// MemoryNonceStore is an in-memory nonce store for tests and demo mode.
type MemoryNonceStore struct {
	mu       sync.Mutex
	next     map[string]uint64
	consumed map[string]bool
	payments map[string]bool
}

// NewMemoryNonceStore creates a new in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		next:     make(map[string]uint64),
		consumed: make(map[string]bool),
		payments: make(map[string]bool),
	}
}

func nonceKey(owner, contract string) string {
	return owner + "|" + contract
}

func consumedKey(owner, contract string, nonce uint64) string {
	return nonceKey(owner, contract) + "|" + strconv.FormatUint(nonce, 10)
}

func (m *MemoryNonceStore) NextNonce(_ context.Context, owner, contract string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nonceKey(owner, contract)
	m.next[key]++
	return m.next[key], nil
}

func (m *MemoryNonceStore) MarkConsumed(_ context.Context, owner, contract string, nonce uint64, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[consumedKey(owner, contract, nonce)] = true
	if paymentID != "" {
		m.payments[paymentID] = true
	}
	return nil
}

func (m *MemoryNonceStore) NonceConsumed(_ context.Context, owner, contract string, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed[consumedKey(owner, contract, nonce)], nil
}

func (m *MemoryNonceStore) PaymentConsumed(_ context.Context, paymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[paymentID], nil
}

var _ NonceStore = (*MemoryNonceStore)(nil)
