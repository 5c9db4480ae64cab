package facilitator

import (
	"context"
	"database/sql"
)

// PostgresNonceStore allocates nonces with an atomic upsert so two
// concurrent prepares can never be handed the same value, independent of
// the advisory per-owner lock.
type PostgresNonceStore struct {
	db *sql.DB
}

// NewPostgresNonceStore creates a new PostgreSQL-backed nonce store.
func NewPostgresNonceStore(db *sql.DB) *PostgresNonceStore {
	return &PostgresNonceStore{db: db}
}

func (s *PostgresNonceStore) NextNonce(ctx context.Context, owner, contract string) (uint64, error) {
	var next uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO witness_nonces (owner, contract, next)
		VALUES ($1, $2, 1)
		ON CONFLICT (owner, contract)
		DO UPDATE SET next = witness_nonces.next + 1
		RETURNING next`,
		owner, contract,
	).Scan(&next)
	return next, err
}

func (s *PostgresNonceStore) MarkConsumed(ctx context.Context, owner, contract string, nonce uint64, paymentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumed_nonces (owner, contract, nonce, payment_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, contract, nonce) DO NOTHING`,
		owner, contract, int64(nonce), paymentID, //nolint:gosec // nonces stay far below int64 range
	)
	return err
}

func (s *PostgresNonceStore) NonceConsumed(ctx context.Context, owner, contract string, nonce uint64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM consumed_nonces WHERE owner = $1 AND contract = $2 AND nonce = $3
		)`,
		owner, contract, int64(nonce), //nolint:gosec // nonces stay far below int64 range
	).Scan(&exists)
	return exists, err
}

func (s *PostgresNonceStore) PaymentConsumed(ctx context.Context, paymentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM consumed_nonces WHERE payment_id = $1
		)`,
		paymentID,
	).Scan(&exists)
	return exists, err
}

var _ NonceStore = (*PostgresNonceStore)(nil)
