package policy

import "context"

// Store persists session policies.
//
// GetOrCreate returns the session's policy, creating the NORMAL default on
// first read. Update applies a partial update and fails with
// ErrSessionNotFound when the session has never been seen; list replacement
// must be atomic (a crash mid-update never leaves a half-replaced list).
type Store interface {
	GetOrCreate(ctx context.Context, sessionID string) (*Policy, error)
	Get(ctx context.Context, sessionID string) (*Policy, error)
	Update(ctx context.Context, sessionID string, upd UpdateRequest) (*Policy, error)
}
