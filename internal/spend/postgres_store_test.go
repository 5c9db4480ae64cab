package spend

import (
	"context"
	"math/big"
	"testing"

	"github.com/q402/copilot/internal/testutil"
)

func TestPostgresStore_USDUpsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.AddUSD(ctx, "0xsigner", 10); err != nil {
		t.Fatalf("AddUSD: %v", err)
	}
	if err := store.AddUSD(ctx, "0xsigner", 15); err != nil {
		t.Fatalf("AddUSD: %v", err)
	}

	total, err := store.SpentTodayUSD(ctx, "0xsigner")
	if err != nil {
		t.Fatalf("SpentTodayUSD: %v", err)
	}
	if total != 25 {
		t.Errorf("expected 25, got %v", total)
	}
}

func TestPostgresStore_UnknownSignerIsZero(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	total, err := store.SpentTodayUSD(context.Background(), "0xnobody")
	if err != nil {
		t.Fatalf("SpentTodayUSD: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0, got %v", total)
	}

	gas, err := store.GasTodayWei(context.Background(), "0xnobody")
	if err != nil {
		t.Fatalf("GasTodayWei: %v", err)
	}
	if gas.Sign() != 0 {
		t.Errorf("expected 0 wei, got %s", gas)
	}
}

func TestPostgresStore_GasWeiBigValues(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	// Values beyond int64 must survive the NUMERIC round-trip.
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if err := store.AddGasWei(ctx, "0xsigner", huge); err != nil {
		t.Fatalf("AddGasWei: %v", err)
	}
	if err := store.AddGasWei(ctx, "0xsigner", big.NewInt(1)); err != nil {
		t.Fatalf("AddGasWei: %v", err)
	}

	total, err := store.GasTodayWei(ctx, "0xsigner")
	if err != nil {
		t.Fatalf("GasTodayWei: %v", err)
	}
	want := new(big.Int).Add(huge, big.NewInt(1))
	if total.Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, total)
	}
}
