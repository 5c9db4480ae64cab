// Package activity records an audit trail of prepared requests, settlements
// and policy changes per session. Writes are best effort; a failed append
// never blocks the settlement path.
package activity

import (
	"context"
	"time"
)

// Entry types.
const (
	TypePrepare      = "prepare"
	TypeSettlement   = "settlement"
	TypePolicyUpdate = "policy_update"
)

// Entry statuses.
const (
	StatusPending  = "pending"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
	StatusBlocked  = "blocked"
)

// Entry is one audit record.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	RequestID string    `json:"requestId,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Network   string    `json:"network,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	ValueUSD  float64   `json:"valueUsd,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultListLimit caps unpaginated activity queries.
const DefaultListLimit = 50

// MaxListLimit is the largest page a client may request.
const MaxListLimit = 200

// Store persists activity entries.
type Store interface {
	// Append records an entry, filling ID and CreatedAt when unset.
	Append(ctx context.Context, e Entry) error

	// ListBySession returns the newest entries for a session, newest first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
