package spend

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_USDAccumulates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.AddUSD(ctx, "0xsigner", 100); err != nil {
		t.Fatalf("AddUSD: %v", err)
	}
	if err := store.AddUSD(ctx, "0xsigner", 50.5); err != nil {
		t.Fatalf("AddUSD: %v", err)
	}

	total, err := store.SpentTodayUSD(ctx, "0xsigner")
	if err != nil {
		t.Fatalf("SpentTodayUSD: %v", err)
	}
	if total != 150.5 {
		t.Errorf("expected 150.5, got %v", total)
	}

	// Other signers are independent.
	other, _ := store.SpentTodayUSD(ctx, "0xother")
	if other != 0 {
		t.Errorf("expected 0 for other signer, got %v", other)
	}
}

func TestMemoryStore_DayBoundaryResets(t *testing.T) {
	current := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return current })
	ctx := context.Background()

	_ = store.AddUSD(ctx, "0xsigner", 400)

	// Cross midnight UTC.
	current = current.Add(2 * time.Minute)

	total, _ := store.SpentTodayUSD(ctx, "0xsigner")
	if total != 0 {
		t.Errorf("expected fresh bucket after UTC midnight, got %v", total)
	}
}

func TestMemoryStore_GasWei(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.AddGasWei(ctx, "0xsigner", big.NewInt(1e15))
	_ = store.AddGasWei(ctx, "0xsigner", big.NewInt(2e15))

	total, err := store.GasTodayWei(ctx, "0xsigner")
	if err != nil {
		t.Fatalf("GasTodayWei: %v", err)
	}
	if total.Cmp(big.NewInt(3e15)) != 0 {
		t.Errorf("expected 3e15 wei, got %s", total)
	}
}

func TestMemoryStore_ConcurrentAdds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.AddUSD(ctx, "0xsigner", 1)
		}()
	}
	wg.Wait()

	total, _ := store.SpentTodayUSD(ctx, "0xsigner")
	if total != 100 {
		t.Errorf("expected 100 after concurrent adds, got %v", total)
	}
}
