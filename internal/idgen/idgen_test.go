package idgen

import (
	"strings"
	"testing"
)

func TestNew_FormatAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if len(id) != 36 {
			t.Fatalf("expected 36-char ID, got %d: %q", len(id), id)
		}
		if strings.Count(id, "-") != 4 {
			t.Fatalf("expected 4 dashes in %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %q", id)
		}
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("req_")
	if !strings.HasPrefix(id, "req_") {
		t.Fatalf("expected req_ prefix, got %q", id)
	}
	if len(id) != len("req_")+24 {
		t.Fatalf("expected 24 hex chars after prefix, got %q", id)
	}
}

func TestBytes32(t *testing.T) {
	v := Bytes32()
	if !strings.HasPrefix(v, "0x") {
		t.Fatalf("expected 0x prefix, got %q", v)
	}
	if len(v) != 2+64 {
		t.Fatalf("expected 64 hex chars, got %d in %q", len(v)-2, v)
	}
	if v == Bytes32() {
		t.Fatal("two payment IDs should never collide")
	}
}
