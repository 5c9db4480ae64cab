package facilitator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/q402/copilot/internal/witness"
)

// Prepared request statuses.
const (
	StatusPending  = "pending"
	StatusSigned   = "signed"
	StatusExecuted = "executed"
	StatusExpired  = "expired"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Witness kinds.
const (
	KindPayment = "payment"
	KindBatch   = "batch"
)

// PreparedRequest is the server-side record of an issued witness. The typed
// data a client signs is rebuilt from the stored witness fields, so a later
// execute call always settles exactly what was prepared.
type PreparedRequest struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionId"`
	Network   string           `json:"network"`
	Owner     string           `json:"owner"`
	Kind      string           `json:"kind"`
	Payment   *witness.Payment `json:"payment,omitempty"`
	Batch     *witness.Batch   `json:"batch,omitempty"`
	ValueUSD  float64          `json:"valueUsd"`
	Status    string           `json:"status"`
	TxHash    string           `json:"txHash,omitempty"`
	ExpiresAt time.Time        `json:"expiresAt"`
	CreatedAt time.Time        `json:"createdAt"`
}

// TypedData rebuilds the EIP-712 payload for this request.
func (r *PreparedRequest) TypedData(chainID int64, verifyingContract string) (apitypes.TypedData, error) {
	switch r.Kind {
	case KindPayment:
		if r.Payment == nil {
			return apitypes.TypedData{}, fmt.Errorf("facilitator: request %s has no payment witness", r.ID)
		}
		return r.Payment.TypedData(chainID, verifyingContract), nil
	case KindBatch:
		if r.Batch == nil {
			return apitypes.TypedData{}, fmt.Errorf("facilitator: request %s has no batch witness", r.ID)
		}
		return r.Batch.TypedData(chainID, verifyingContract), nil
	default:
		return apitypes.TypedData{}, fmt.Errorf("facilitator: request %s has unknown kind %q", r.ID, r.Kind)
	}
}

// Deadline returns the witness deadline as a Unix timestamp.
func (r *PreparedRequest) Deadline() int64 {
	if r.Payment != nil {
		return r.Payment.Deadline
	}
	if r.Batch != nil {
		return r.Batch.Deadline
	}
	return 0
}

// Nonce returns the witness nonce.
func (r *PreparedRequest) Nonce() uint64 {
	if r.Payment != nil {
		return r.Payment.Nonce
	}
	if r.Batch != nil {
		return r.Batch.Nonce
	}
	return 0
}

// PaymentID returns the witness payment ID.
func (r *PreparedRequest) PaymentID() string {
	if r.Payment != nil {
		return r.Payment.PaymentID
	}
	if r.Batch != nil {
		return r.Batch.PaymentID
	}
	return ""
}

// ExpiredRef identifies a request the expiry sweep transitioned.
type ExpiredRef struct {
	ID        string
	SessionID string
}

// RequestStore persists prepared requests.
type RequestStore interface {
	Save(ctx context.Context, r *PreparedRequest) error
	Get(ctx context.Context, id string) (*PreparedRequest, error)

	// SetStatus updates the status and, when txHash is non-empty, the hash.
	SetStatus(ctx context.Context, id, status, txHash string) error

	// ExpirePending transitions pending requests past the cutoff to expired
	// and returns references to the affected requests.
	ExpirePending(ctx context.Context, cutoff time.Time) ([]ExpiredRef, error)

	// CountByStatus returns request counts grouped by status.
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// MemoryRequestStore is an in-memory request store for tests and demo mode.
type MemoryRequestStore struct {
	mu       sync.Mutex
	requests map[string]*PreparedRequest
}

// NewMemoryRequestStore creates a new in-memory request store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]*PreparedRequest)}
}

func cloneRequest(r *PreparedRequest) *PreparedRequest {
	out := *r
	if r.Payment != nil {
		p := *r.Payment
		out.Payment = &p
	}
	if r.Batch != nil {
		b := *r.Batch
		b.Operations = append([]witness.Operation(nil), r.Batch.Operations...)
		out.Batch = &b
	}
	return &out
}

func (m *MemoryRequestStore) Save(_ context.Context, r *PreparedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryRequestStore) Get(_ context.Context, id string) (*PreparedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryRequestStore) SetStatus(_ context.Context, id, status, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	r.Status = status
	if txHash != "" {
		r.TxHash = txHash
	}
	return nil
}

func (m *MemoryRequestStore) ExpirePending(_ context.Context, cutoff time.Time) ([]ExpiredRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []ExpiredRef
	for _, r := range m.requests {
		if r.Status == StatusPending && r.ExpiresAt.Before(cutoff) {
			r.Status = StatusExpired
			expired = append(expired, ExpiredRef{ID: r.ID, SessionID: r.SessionID})
		}
	}
	return expired, nil
}

func (m *MemoryRequestStore) CountByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int64)
	for _, r := range m.requests {
		counts[r.Status]++
	}
	return counts, nil
}

var _ RequestStore = (*MemoryRequestStore)(nil)
