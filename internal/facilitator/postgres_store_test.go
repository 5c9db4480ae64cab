package facilitator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/q402/copilot/internal/testutil"
	"github.com/q402/copilot/internal/witness"
)

func TestPostgresNonceStore_SequentialIssuance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresNonceStore(db)
	ctx := context.Background()

	first, err := store.NextNonce(ctx, "0xowner", "0xcontract")
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	second, err := store.NextNonce(ctx, "0xowner", "0xcontract")
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("expected 1,2 got %d,%d", first, second)
	}

	// A different contract has its own sequence.
	other, err := store.NextNonce(ctx, "0xowner", "0xother")
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	if other != 1 {
		t.Errorf("expected independent sequence, got %d", other)
	}
}

func TestPostgresNonceStore_ConcurrentIssuanceIsUnique(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresNonceStore(db)
	ctx := context.Background()

	const n = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = make(map[uint64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := store.NextNonce(ctx, "0xowner", "0xcontract")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if nonces[nonce] {
				t.Errorf("nonce %d issued twice", nonce)
			}
			nonces[nonce] = true
		}()
	}
	wg.Wait()

	if len(nonces) != n {
		t.Errorf("expected %d distinct nonces, got %d", n, len(nonces))
	}
}

func TestPostgresNonceStore_Consumption(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresNonceStore(db)
	ctx := context.Background()
	paymentID := "0x" + strings.Repeat("ab", 32)

	consumed, err := store.NonceConsumed(ctx, "0xowner", "0xcontract", 1)
	if err != nil {
		t.Fatalf("NonceConsumed: %v", err)
	}
	if consumed {
		t.Error("fresh nonce reported consumed")
	}

	if err := store.MarkConsumed(ctx, "0xowner", "0xcontract", 1, paymentID); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	// Marking twice must be a no-op, not an error.
	if err := store.MarkConsumed(ctx, "0xowner", "0xcontract", 1, paymentID); err != nil {
		t.Fatalf("MarkConsumed twice: %v", err)
	}

	consumed, err = store.NonceConsumed(ctx, "0xowner", "0xcontract", 1)
	if err != nil {
		t.Fatalf("NonceConsumed: %v", err)
	}
	if !consumed {
		t.Error("consumed nonce not reported")
	}

	settled, err := store.PaymentConsumed(ctx, paymentID)
	if err != nil {
		t.Fatalf("PaymentConsumed: %v", err)
	}
	if !settled {
		t.Error("consumed payment not reported")
	}
}

func TestPostgresRequestStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresRequestStore(db)
	ctx := context.Background()

	pr := &PreparedRequest{
		ID:        "req_pg_1",
		SessionID: "sess-1",
		Network:   "bsc-testnet",
		Owner:     "0x2222222222222222222222222222222222222222",
		Kind:      KindPayment,
		Payment: &witness.Payment{
			Owner:     "0x2222222222222222222222222222222222222222",
			Token:     "0x337610d27c682e347c9cd60bd4b3b107c9d34ddd",
			Amount:    "1000",
			To:        "0x3333333333333333333333333333333333333333",
			Deadline:  time.Now().Add(5 * time.Minute).Unix(),
			PaymentID: "0x" + strings.Repeat("cd", 32),
			Nonce:     7,
		},
		ValueUSD:  12.5,
		Status:    StatusPending,
		ExpiresAt: time.Now().Add(5 * time.Minute).UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Save(ctx, pr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "req_pg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Payment == nil || got.Payment.Nonce != 7 || got.Payment.Amount != "1000" {
		t.Errorf("witness did not round-trip: %+v", got.Payment)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}

	if err := store.SetStatus(ctx, "req_pg_1", StatusExecuted, "0xhash"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, err = store.Get(ctx, "req_pg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExecuted || got.TxHash != "0xhash" {
		t.Errorf("status update lost: %s %s", got.Status, got.TxHash)
	}
}

func TestPostgresRequestStore_ExpirePending(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresRequestStore(db)
	ctx := context.Background()

	save := func(id string, status string, expiresAt time.Time) {
		t.Helper()
		err := store.Save(ctx, &PreparedRequest{
			ID:        id,
			SessionID: "sess-1",
			Network:   "bsc-testnet",
			Owner:     "0x2222222222222222222222222222222222222222",
			Kind:      KindPayment,
			Payment: &witness.Payment{
				Owner:     "0x2222222222222222222222222222222222222222",
				Token:     "0x337610d27c682e347c9cd60bd4b3b107c9d34ddd",
				Amount:    "1",
				To:        "0x3333333333333333333333333333333333333333",
				Deadline:  expiresAt.Unix(),
				PaymentID: "0x" + strings.Repeat("ef", 32),
				Nonce:     1,
			},
			Status:    status,
			ExpiresAt: expiresAt,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	save("req_overdue", StatusPending, time.Now().Add(-time.Minute))
	save("req_live", StatusPending, time.Now().Add(time.Hour))
	save("req_done", StatusExecuted, time.Now().Add(-time.Minute))

	expired, err := store.ExpirePending(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpirePending: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "req_overdue" {
		t.Fatalf("expected only req_overdue, got %+v", expired)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusExpired] != 1 || counts[StatusPending] != 1 || counts[StatusExecuted] != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}
