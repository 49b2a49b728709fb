package models

import (
	"errors"
	"testing"
)

func TestNormalizePositionRecord(t *testing.T) {
	rec := map[string]any{
		"id":          "abc",
		"symbol":      "ETH/USDT",
		"side":        "short",
		"quantity":    "2.5",
		"entry_price": 3000.0,
		"created_at":  "2024-03-01T10:00:00Z",
	}
	p, err := NormalizePosition(rec)
	if err != nil {
		t.Fatalf("NormalizePosition: %v", err)
	}
	if p.ID != "abc" || p.Side != SideShort || p.Amount != 2.5 || p.EntryPrice != 3000 {
		t.Fatalf("unexpected position: %+v", p)
	}
	if p.Status != StatusOpen || p.ContractSize != 1 || p.OpenedAt.Year() != 2024 {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestNormalizePositionContracts(t *testing.T) {
	p, err := NormalizePosition(map[string]any{
		"symbol":        "BTC/USDT",
		"side":          "long",
		"contracts":     10.0,
		"contract_size": 0.01,
		"entry_price":   50000.0,
	})
	if err != nil {
		t.Fatalf("NormalizePosition: %v", err)
	}
	if !approx(p.Amount, 1000) || p.ID == "" {
		t.Fatalf("unexpected position: %+v", p)
	}
}

func TestNormalizePositionRejects(t *testing.T) {
	if _, err := NormalizePosition(map[string]any{"symbol": "X", "side": "LONG", "entry_price": 1.0, "amount": 1.0}); !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("want ErrInvalidSide, got %v", err)
	}
	if _, err := NormalizePosition(map[string]any{"symbol": "X", "side": "long", "entry_price": 1.0}); err == nil {
		t.Fatal("missing amount must fail")
	}
	if _, err := NormalizePosition(42); !errors.Is(err, ErrUnsupportedPosition) {
		t.Fatalf("want ErrUnsupportedPosition, got %v", err)
	}

	p := Position{ID: "x", Side: SideLong}
	got, err := NormalizePosition(p)
	if err != nil || got.ID != "x" {
		t.Fatalf("value position: %v %+v", err, got)
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := map[string][2]string{
		"BTC/USDT": {"BTC", "USDT"},
		"ETH-KRW":  {"ETH", "KRW"},
		"SOLUSDT":  {"SOL", "USDT"},
		"XYZ":      {"XYZ", ""},
	}
	for in, want := range tests {
		b, q := SplitSymbol(in)
		if b != want[0] || q != want[1] {
			t.Fatalf("SplitSymbol(%q) = %q,%q want %q,%q", in, b, q, want[0], want[1])
		}
	}
}
