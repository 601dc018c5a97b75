package store

import (
	"context"
	"testing"
	"time"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

func TestMemoryStore_ApplyAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Apply(ctx, state.Batch{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply(ctx, state.Batch{{Key: "a", Delete: true}}); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Error("a should be deleted")
	}
	v, ok, _ := s.Get(ctx, "b")
	if !ok || string(v) != "2" {
		t.Errorf("expected b=2, got %q (ok=%v)", v, ok)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 key, got %d", s.Len())
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Apply(ctx, state.Batch{{Key: "a", Value: []byte("xyz")}})

	v, _, _ := s.Get(ctx, "a")
	v[0] = 'Q'

	again, _, _ := s.Get(ctx, "a")
	if string(again) != "xyz" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}
}

func TestMemoryStore_Scan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Apply(ctx, state.Batch{
		{Key: "hub/asset/1", Value: []byte("a")},
		{Key: "hub/asset/2", Value: []byte("b")},
		{Key: "ledger/balance/1/alice", Value: []byte("c")},
	})

	got, err := s.Scan(ctx, "hub/")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 keys, got %d", len(got))
	}
}

func TestMemoryStore_Receipts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i, acct := range []model.AccountID{"alice", "bob", "alice"} {
		r := &model.Receipt{
			ID:        string(rune('a' + i)),
			Kind:      "sell",
			Account:   acct,
			AmountIn:  fixed.FromUint64(uint64(i + 1)),
			Timestamp: time.Now().UTC(),
		}
		if err := s.InsertReceipt(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.GetReceiptsByAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 receipts for alice, got %d", len(got))
	}
	if !got[1].AmountIn.Eq(fixed.FromUint64(3)) {
		t.Errorf("expected receipts in insertion order, got %s", got[1].AmountIn)
	}
}
