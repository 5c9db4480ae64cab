package policy

import (
	"context"
	"sync"

	"github.com/q402/copilot/internal/idgen"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // by session ID
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*Policy),
	}
}

func (m *MemoryStore) GetOrCreate(_ context.Context, sessionID string) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.policies[sessionID]; ok {
		return clonePolicy(p), nil
	}

	p := Default(sessionID)
	p.ID = idgen.WithPrefix("pol_")
	m.policies[sessionID] = p
	return clonePolicy(p), nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return clonePolicy(p), nil
}

func (m *MemoryStore) Update(_ context.Context, sessionID string, upd UpdateRequest) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	upd.Apply(p)
	return clonePolicy(p), nil
}

func clonePolicy(p *Policy) *Policy {
	cp := *p
	cp.AllowedTokens = append([]string(nil), p.AllowedTokens...)
	cp.DeniedTokens = append([]string(nil), p.DeniedTokens...)
	cp.AllowedContracts = append([]string(nil), p.AllowedContracts...)
	cp.DeniedContracts = append([]string(nil), p.DeniedContracts...)
	if p.MaxPerTxUSD != nil {
		v := *p.MaxPerTxUSD
		cp.MaxPerTxUSD = &v
	}
	if p.MaxDailyUSD != nil {
		v := *p.MaxDailyUSD
		cp.MaxDailyUSD = &v
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
