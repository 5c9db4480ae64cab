package policy

import (
	"context"
	"testing"

	"github.com/q402/copilot/internal/testutil"
)

func TestPostgresStore_GetOrCreate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p, err := store.GetOrCreate(ctx, "sess-pg-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p.SecurityLevel != LevelNormal {
		t.Errorf("expected normal default, got %s", p.SecurityLevel)
	}

	// Second call returns the same policy, not a new one.
	again, err := store.GetOrCreate(ctx, "sess-pg-1")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if again.ID != p.ID {
		t.Errorf("expected same policy ID %s, got %s", p.ID, again.ID)
	}
}

func TestPostgresStore_UpdateListsTransactional(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "sess-pg-2"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p, err := store.Update(ctx, "sess-pg-2", UpdateRequest{
		DeniedTokens:     []string{"0xBAD0000000000000000000000000000000000BAD"},
		AllowedContracts: []string{"0xaaa0000000000000000000000000000000000aaa", "0xbbb0000000000000000000000000000000000bbb"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(p.DeniedTokens) != 1 || p.DeniedTokens[0] != "0xbad0000000000000000000000000000000000bad" {
		t.Errorf("denied tokens = %v", p.DeniedTokens)
	}
	if len(p.AllowedContracts) != 2 {
		t.Errorf("allowed contracts = %v", p.AllowedContracts)
	}

	// Replacing a list drops the old entries entirely.
	p, err = store.Update(ctx, "sess-pg-2", UpdateRequest{
		AllowedContracts: []string{"0xccc0000000000000000000000000000000000ccc"},
	})
	if err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if len(p.AllowedContracts) != 1 || p.AllowedContracts[0] != "0xccc0000000000000000000000000000000000ccc" {
		t.Errorf("expected replaced list, got %v", p.AllowedContracts)
	}
	// Untouched lists survive.
	if len(p.DeniedTokens) != 1 {
		t.Errorf("denied tokens should be untouched, got %v", p.DeniedTokens)
	}
}

func TestPostgresStore_UpdateUnknownSession(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	if _, err := store.Update(context.Background(), "missing", UpdateRequest{}); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPostgresStore_NullableLimits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "sess-pg-3"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	unlimited := -1.0
	p, err := store.Update(ctx, "sess-pg-3", UpdateRequest{MaxDailyUSD: &unlimited})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.MaxDailyUSD != nil {
		t.Errorf("expected NULL daily limit, got %v", *p.MaxDailyUSD)
	}

	// Round-trips through a fresh read.
	p, err = store.Get(ctx, "sess-pg-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.MaxDailyUSD != nil {
		t.Errorf("expected NULL daily limit after re-read, got %v", *p.MaxDailyUSD)
	}
}
