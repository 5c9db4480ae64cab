package spend

import (
	"context"
	"math/big"
	"sync"
	"time"
)

type bucket struct {
	usd float64
	gas *big.Int
}

// MemoryStore is an in-memory spend store for tests and demo mode.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket // key: signer + "|" + day
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory spend store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// WithClock overrides the clock; used by tests to cross day boundaries.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) get(signer string) *bucket {
	key := signer + "|" + day(m.now())
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{gas: new(big.Int)}
		m.buckets[key] = b
	}
	return b
}

func (m *MemoryStore) AddUSD(_ context.Context, signer string, amountUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(signer).usd += amountUSD
	return nil
}

func (m *MemoryStore) SpentTodayUSD(_ context.Context, signer string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(signer).usd, nil
}

func (m *MemoryStore) AddGasWei(_ context.Context, signer string, wei *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.get(signer)
	b.gas = new(big.Int).Add(b.gas, wei)
	return nil
}

func (m *MemoryStore) GasTodayWei(_ context.Context, signer string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.get(signer).gas), nil
}

var _ Store = (*MemoryStore)(nil)
