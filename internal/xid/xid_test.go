package xid

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id := New("ret")
		if !strings.HasPrefix(id, "ret-") {
			t.Fatalf("expected ret- prefix, got %s", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestReceiptNumberFormat(t *testing.T) {
	at := time.Date(2026, 10, 17, 23, 0, 0, 0, time.UTC)
	got := ReceiptNumber(at)
	if !strings.HasPrefix(got, "RCP-20261017-") {
		t.Fatalf("unexpected receipt number %s", got)
	}
	if len(got) != len("RCP-20261017-")+8 {
		t.Fatalf("expected 8 char suffix, got %s", got)
	}
}
