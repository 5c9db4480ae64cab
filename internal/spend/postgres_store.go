package spend

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore persists daily spend counters. Totals are upserted so the
// add path is a single atomic statement per counter.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed spend store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) AddUSD(ctx context.Context, signer string, amountUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_spend (signer, day, total_usd, gas_wei)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (signer, day)
		DO UPDATE SET total_usd = daily_spend.total_usd + EXCLUDED.total_usd`,
		signer, day(s.now()), amountUSD,
	)
	return err
}

func (s *PostgresStore) SpentTodayUSD(ctx context.Context, signer string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT total_usd FROM daily_spend WHERE signer = $1 AND day = $2`,
		signer, day(s.now()),
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return total, err
}

func (s *PostgresStore) AddGasWei(ctx context.Context, signer string, wei *big.Int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_spend (signer, day, total_usd, gas_wei)
		VALUES ($1, $2, 0, $3::numeric)
		ON CONFLICT (signer, day)
		DO UPDATE SET gas_wei = daily_spend.gas_wei + EXCLUDED.gas_wei`,
		signer, day(s.now()), wei.String(),
	)
	return err
}

func (s *PostgresStore) GasTodayWei(ctx context.Context, signer string) (*big.Int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT gas_wei::text FROM daily_spend WHERE signer = $1 AND day = $2`,
		signer, day(s.now()),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	total, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("spend: corrupt gas_wei value %q for %s", raw, signer)
	}
	return total, nil
}

var _ Store = (*PostgresStore)(nil)
