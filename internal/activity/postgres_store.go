package activity

import (
	"context"
	"database/sql"
	"time"

	"github.com/q402/copilot/internal/idgen"
)

// PostgresStore persists activity entries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("act_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, session_id, request_id, entry_type, status, network, tx_hash, value_usd, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SessionID, nullString(e.RequestID), e.Type, e.Status,
		nullString(e.Network), nullString(e.TxHash), e.ValueUSD, nullString(e.Detail), e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(request_id, ''), entry_type, status,
		       COALESCE(network, ''), COALESCE(tx_hash, ''), value_usd, COALESCE(detail, ''), created_at
		FROM activity_log
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		sessionID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RequestID, &e.Type, &e.Status,
			&e.Network, &e.TxHash, &e.ValueUSD, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
