package activity

import (
	"context"
	"sync"
	"time"

	"github.com/q402/copilot/internal/idgen"
)

// MemoryStore is an in-memory activity store for tests and demo mode.
// Entries per session are capped so long-running demos don't grow unbounded.
type MemoryStore struct {
	mu        sync.Mutex
	bySession map[string][]Entry
	maxPerKey int
}

// NewMemoryStore creates a new in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySession: make(map[string][]Entry),
		maxPerKey: 1000,
	}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("act_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append(m.bySession[e.SessionID], e)
	if len(entries) > m.maxPerKey {
		entries = entries[len(entries)-m.maxPerKey:]
	}
	m.bySession[e.SessionID] = entries
	return nil
}

func (m *MemoryStore) ListBySession(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	limit = clampLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.bySession[sessionID]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	// Newest first.
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
