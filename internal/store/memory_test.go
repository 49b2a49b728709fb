package store

import (
	"context"
	"errors"
	"testing"

	"position_bot/internal/models"
)

func TestMemoryPositions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	p, _ := models.NewPosition("BTC/USDT", models.SideLong, 1, 100)
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if err := s.SavePosition(ctx, p); err == nil {
		t.Fatal("duplicate SavePosition must fail")
	}

	// stored copies are isolated from the caller
	p.Amount = 5
	got, err := s.GetPosition(ctx, p.ID)
	if err != nil || got.Amount != 1 {
		t.Fatalf("GetPosition: %v %+v", err, got)
	}

	p.ClosePosition(110, p.OpenedAt)
	if err := s.UpdatePosition(ctx, p); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	open, _ := s.GetOpenPositions(ctx, "BTC/USDT")
	if len(open) != 0 {
		t.Fatalf("closed position still open: %+v", open)
	}

	ghost, _ := models.NewPosition("BTC/USDT", models.SideLong, 1, 100)
	if err := s.UpdatePosition(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryTradesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i, sym := range []string{"BTC/USDT", "ETH/USDT", "BTC/USDT", "BTC/USDT"} {
		if err := s.SaveTrade(ctx, &models.Trade{Symbol: sym, Amount: float64(i)}); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}
	trades, _ := s.GetTrades(ctx, "BTC/USDT", 2)
	if len(trades) != 2 || trades[0].Amount != 3 || trades[1].Amount != 2 {
		t.Fatalf("trades = %+v", trades)
	}
	all, _ := s.GetTrades(ctx, "", 0)
	if len(all) != 4 {
		t.Fatalf("all trades = %d", len(all))
	}
}

func TestMemoryBotState(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if _, err := s.LoadBotState(ctx, "BTC/USDT"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	_ = s.SaveBotState(ctx, models.BotState{Symbol: "BTC/USDT", LastSignal: models.SignalBuy})
	st, err := s.LoadBotState(ctx, "BTC/USDT")
	if err != nil || st.LastSignal != models.SignalBuy || st.UpdatedAt.IsZero() {
		t.Fatalf("LoadBotState: %v %+v", err, st)
	}

	for _, v := range []float64{1, 2, 3} {
		_ = s.SaveBalance(ctx, "USDT", v)
	}
	h, _ := s.BalanceHistory(ctx, "USDT", 2)
	if len(h) != 2 || h[0] != 2 || h[1] != 3 {
		t.Fatalf("history = %v", h)
	}
}
