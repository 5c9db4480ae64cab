package policy

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/q402/copilot/internal/idgen"
)

// PostgresStore persists policies in PostgreSQL. Lists live in the
// policy_token_lists and policy_contract_lists tables keyed by policy id and
// list type; replacement is delete-then-insert inside one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, sessionID string) (*Policy, error) {
	p, err := s.Get(ctx, sessionID)
	if err == nil {
		return p, nil
	}
	if err != ErrSessionNotFound {
		return nil, err
	}

	p = Default(sessionID)
	p.ID = idgen.WithPrefix("pol_")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		sessionID, p.CreatedAt,
	); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (id, session_id, security_level, max_per_tx_usd, max_daily_usd,
			require_verified_contracts, large_tx_threshold_pct, max_slippage_bps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.SessionID, p.SecurityLevel, nullFloat(p.MaxPerTxUSD), nullFloat(p.MaxDailyUSD),
		p.RequireVerifiedContracts, p.LargeTxThresholdPct, p.MaxSlippageBps, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		// A concurrent GetOrCreate won the insert race; read theirs.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return s.Get(ctx, sessionID)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, security_level, max_per_tx_usd, max_daily_usd,
			require_verified_contracts, large_tx_threshold_pct, max_slippage_bps, created_at, updated_at
		FROM policies WHERE session_id = $1`, sessionID)

	p := &Policy{}
	var maxPerTx, maxDaily sql.NullFloat64
	err := row.Scan(&p.ID, &p.SessionID, &p.SecurityLevel, &maxPerTx, &maxDaily,
		&p.RequireVerifiedContracts, &p.LargeTxThresholdPct, &p.MaxSlippageBps, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if maxPerTx.Valid {
		p.MaxPerTxUSD = &maxPerTx.Float64
	}
	if maxDaily.Valid {
		p.MaxDailyUSD = &maxDaily.Float64
	}

	if err := s.loadLists(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) loadLists(ctx context.Context, p *Policy) error {
	load := func(table string) (allowed, denied []string, err error) {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT list_type, address FROM %s WHERE policy_id = $1 ORDER BY address`, table), p.ID) // #nosec G201 -- table name is a compile-time constant
		if err != nil {
			return nil, nil, err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var listType, addr string
			if err := rows.Scan(&listType, &addr); err != nil {
				return nil, nil, err
			}
			if listType == "allowed" {
				allowed = append(allowed, addr)
			} else {
				denied = append(denied, addr)
			}
		}
		return allowed, denied, rows.Err()
	}

	var err error
	if p.AllowedTokens, p.DeniedTokens, err = load("policy_token_lists"); err != nil {
		return err
	}
	if p.AllowedContracts, p.DeniedContracts, err = load("policy_contract_lists"); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, sessionID string, upd UpdateRequest) (*Policy, error) {
	p, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	upd.Apply(p)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE policies
		SET security_level = $1, max_per_tx_usd = $2, max_daily_usd = $3,
			require_verified_contracts = $4, large_tx_threshold_pct = $5,
			max_slippage_bps = $6, updated_at = $7
		WHERE id = $8`,
		p.SecurityLevel, nullFloat(p.MaxPerTxUSD), nullFloat(p.MaxDailyUSD),
		p.RequireVerifiedContracts, p.LargeTxThresholdPct, p.MaxSlippageBps,
		p.UpdatedAt, p.ID,
	); err != nil {
		return nil, err
	}

	// Replace only the lists the request provided; delete+insert stays inside
	// this transaction so readers never see a half-replaced list.
	if upd.AllowedTokens != nil || upd.DeniedTokens != nil {
		if err := replaceLists(ctx, tx, "policy_token_lists", p.ID, upd.AllowedTokens, upd.DeniedTokens); err != nil {
			return nil, err
		}
	}
	if upd.AllowedContracts != nil || upd.DeniedContracts != nil {
		if err := replaceLists(ctx, tx, "policy_contract_lists", p.ID, upd.AllowedContracts, upd.DeniedContracts); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, sessionID)
}

func replaceLists(ctx context.Context, tx *sql.Tx, table, policyID string, allowed, denied []string) error {
	replace := func(listType string, addrs []string) error {
		if addrs == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE policy_id = $1 AND list_type = $2`, table), // #nosec G201 -- table name is a compile-time constant
			policyID, listType,
		); err != nil {
			return err
		}
		for _, addr := range normalizeList(addrs) {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (policy_id, list_type, address) VALUES ($1, $2, $3)
					ON CONFLICT DO NOTHING`, table), // #nosec G201 -- table name is a compile-time constant
				policyID, listType, addr,
			); err != nil {
				return err
			}
		}
		return nil
	}

	if err := replace("allowed", allowed); err != nil {
		return err
	}
	return replace("denied", denied)
}

// nullFloat converts a nil limit to SQL NULL.
func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
