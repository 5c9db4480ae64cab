// Package spend tracks per-signer daily totals: USD value settled and gas
// sponsored by the facilitator. Totals are bucketed by UTC day and only ever
// increase within a bucket; the policy engine and the gas-sponsorship cap
// both read them as "spent so far today".
package spend

import (
	"context"
	"math/big"
	"time"
)

// Store accumulates daily spend counters. Signer addresses are expected
// lower-cased (callers normalize).
type Store interface {
	// AddUSD adds to the signer's USD total for today.
	AddUSD(ctx context.Context, signer string, amountUSD float64) error
	// SpentTodayUSD returns the signer's USD total for today.
	SpentTodayUSD(ctx context.Context, signer string) (float64, error)
	// AddGasWei adds sponsored gas (in wei) to the signer's total for today.
	AddGasWei(ctx context.Context, signer string, wei *big.Int) error
	// GasTodayWei returns the signer's sponsored gas total for today.
	GasTodayWei(ctx context.Context, signer string) (*big.Int, error)
}

// day returns the UTC day bucket for now.
func day(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
