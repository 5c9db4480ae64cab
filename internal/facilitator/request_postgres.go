package facilitator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/q402/copilot/internal/witness"
)

// PostgresRequestStore persists prepared requests. The witness payload is
// stored as JSONB so the exact signed fields survive restarts.
type PostgresRequestStore struct {
	db *sql.DB
}

// NewPostgresRequestStore creates a new PostgreSQL-backed request store.
func NewPostgresRequestStore(db *sql.DB) *PostgresRequestStore {
	return &PostgresRequestStore{db: db}
}

func (s *PostgresRequestStore) Save(ctx context.Context, r *PreparedRequest) error {
	var payload any
	switch r.Kind {
	case KindPayment:
		payload = r.Payment
	case KindBatch:
		payload = r.Batch
	default:
		return fmt.Errorf("facilitator: unknown request kind %q", r.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("facilitator: marshal witness: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prepared_requests (id, session_id, network, owner, kind, witness, value_usd, status, tx_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.SessionID, r.Network, r.Owner, r.Kind, raw, r.ValueUSD, r.Status,
		sql.NullString{String: r.TxHash, Valid: r.TxHash != ""}, r.ExpiresAt, r.CreatedAt,
	)
	return err
}

func (s *PostgresRequestStore) Get(ctx context.Context, id string) (*PreparedRequest, error) {
	var (
		r      PreparedRequest
		raw    []byte
		txHash sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, network, owner, kind, witness, value_usd, status, tx_hash, expires_at, created_at
		FROM prepared_requests WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.SessionID, &r.Network, &r.Owner, &r.Kind, &raw, &r.ValueUSD, &r.Status, &txHash, &r.ExpiresAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	r.TxHash = txHash.String

	switch r.Kind {
	case KindPayment:
		var p witness.Payment
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("facilitator: unmarshal payment witness: %w", err)
		}
		r.Payment = &p
	case KindBatch:
		var b witness.Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("facilitator: unmarshal batch witness: %w", err)
		}
		r.Batch = &b
	}
	return &r, nil
}

func (s *PostgresRequestStore) SetStatus(ctx context.Context, id, status, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prepared_requests
		SET status = $2, tx_hash = COALESCE(NULLIF($3, ''), tx_hash)
		WHERE id = $1`,
		id, status, txHash,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (s *PostgresRequestStore) ExpirePending(ctx context.Context, cutoff time.Time) ([]ExpiredRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE prepared_requests
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at < $1
		RETURNING id, session_id`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []ExpiredRef
	for rows.Next() {
		var ref ExpiredRef
		if err := rows.Scan(&ref.ID, &ref.SessionID); err != nil {
			return nil, err
		}
		expired = append(expired, ref)
	}
	return expired, rows.Err()
}

func (s *PostgresRequestStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM prepared_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

var _ RequestStore = (*PostgresRequestStore)(nil)
