package risk

import (
	"errors"
	"math"
	"testing"

	"position_bot/internal/models"
)

func newManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestPositionSizeCappedByMaxPosition(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.RiskPerTrade = 0.01
		c.StopLossPct = 0.02
		c.MaxPositionSize = 0.2
	})

	got := m.CalculatePositionSize(10000, 50000)
	if got != 0.04 {
		t.Fatalf("size = %v, want 0.04", got)
	}
}

func TestPositionSizeRiskOverride(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.StopLossPct = 0.05
		c.MaxPositionSize = 1
	})
	// 1000*0.005 / (100*0.05) = 1
	if got := m.CalculatePositionSize(1000, 100, 0.005); got != 1 {
		t.Fatalf("size = %v, want 1", got)
	}
	if got := m.CalculatePositionSize(0, 100); got != 0 {
		t.Fatalf("zero balance size = %v", got)
	}
	if got := m.CalculatePositionSize(1000, 0); got != 0 {
		t.Fatalf("zero price size = %v", got)
	}
}

func TestPositionSizeNeverExceedsCap(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.RiskPerTrade = 0.05
		c.StopLossPct = 0.01
		c.MaxPositionSize = 0.3
	})
	balances := []float64{1, 17.3, 999.99, 10000, 123456.789}
	prices := []float64{0.0001234, 0.37, 3, 27123.45, 98765.4321}
	for _, b := range balances {
		for _, p := range prices {
			size := m.CalculatePositionSize(b, p)
			if size < 0 {
				t.Fatalf("negative size for b=%v p=%v", b, p)
			}
			if cost, limit := size*p, b*0.3; cost > limit*(1+1e-12) {
				t.Fatalf("b=%v p=%v: cost %v exceeds limit %v", b, p, cost, limit)
			}
		}
	}
}

func TestStopLossTakeProfitLevels(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.StopLossPct = 0.03
		c.TakeProfitPct = 0.06
	})

	if got := m.CalculateStopLossPrice(100000, models.SideLong); got != 97000 {
		t.Fatalf("long stop = %v, want 97000", got)
	}
	if got := m.CalculateTakeProfitPrice(100000, models.SideLong); got != 106000 {
		t.Fatalf("long take = %v, want 106000", got)
	}
	if got := m.CalculateStopLossPrice(100000, models.SideShort); got != 103000 {
		t.Fatalf("short stop = %v, want 103000", got)
	}
	if got := m.CalculateTakeProfitPrice(100000, models.SideShort); got != 94000 {
		t.Fatalf("short take = %v, want 94000", got)
	}
	if got := m.CalculateStopLossPrice(100, models.SideLong, 0.1); got != 90 {
		t.Fatalf("custom stop = %v, want 90", got)
	}
}

func TestRiskRewardRatio(t *testing.T) {
	if got := CalculateRiskRewardRatio(100, 95, 110); got != 2 {
		t.Fatalf("rr = %v, want 2", got)
	}
	if got := CalculateRiskRewardRatio(100, 100, 110); got != 0 {
		t.Fatalf("rr with zero risk = %v, want 0", got)
	}
}

func TestCheckStopLossTakeProfit(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.StopLossPct = 0.05
		c.TakeProfitPct = 0.1
	})
	long, _ := models.NewPosition("BTC/USDT", models.SideLong, 1, 100)
	short, _ := models.NewPosition("BTC/USDT", models.SideShort, 1, 100)

	sl, tp := m.CheckStopLossTakeProfit(94, []*models.Position{long, short})
	if len(sl) != 1 || sl[0] != long || len(tp) != 0 {
		t.Fatalf("price 94: sl=%v tp=%v", sl, tp)
	}
	sl, tp = m.CheckStopLossTakeProfit(111, []*models.Position{long, short})
	if len(sl) != 1 || sl[0] != short || len(tp) != 1 || tp[0] != long {
		t.Fatalf("price 111: sl=%v tp=%v", sl, tp)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiskPerTrade = 1.5
	if _, err := NewManager(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.StopLossPct = 0
	if _, err := NewManager(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig for zero stop, got %v", err)
	}
}

func TestKellyCriterion(t *testing.T) {
	// (0.6*2 - 0.4)/2 = 0.4, halved
	if got := KellyCriterion(0.6, 2); math.Abs(got-0.2) > 1e-12 {
		t.Fatalf("kelly = %v, want 0.2", got)
	}
	for _, tc := range [][2]float64{{0, 2}, {1, 2}, {0.5, 0}, {0.2, 1}} {
		if got := KellyCriterion(tc[0], tc[1]); got != 0 {
			t.Fatalf("kelly(%v, %v) = %v, want 0", tc[0], tc[1], got)
		}
	}
}

func TestMaxDrawdown(t *testing.T) {
	ratio, start, end := MaxDrawdown([]float64{100, 120, 90, 130, 110})
	if math.Abs(ratio-0.25) > 1e-12 || start != 1 || end != 2 {
		t.Fatalf("drawdown = %v [%d,%d], want 0.25 [1,2]", ratio, start, end)
	}
	if r, s, e := MaxDrawdown(nil); r != 0 || s != 0 || e != 0 {
		t.Fatalf("empty drawdown = %v %d %d", r, s, e)
	}
}

func TestCheckRiskLimits(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.DailyLossLimit = 0.05
		c.MaxLossLimit = 0.1
		c.MaxPositions = 1
		c.MaxPositionSize = 0.5
	})
	p1, _ := models.NewPosition("BTC/USDT", models.SideLong, 1, 100)
	p2, _ := models.NewPosition("BTC/USDT", models.SideLong, 1, 100)

	exceeded, warnings := m.CheckRiskLimits(Account{
		InitialBalance: 1000,
		DailyPnL:       -10,
		Portfolio: models.PortfolioSnapshot{
			QuoteBalance: 900,
			BaseBalance:  0,
			Positions:    []*models.Position{p1},
		},
	}, 100)
	if exceeded || len(warnings) != 0 {
		t.Fatalf("within limits: %v %v", exceeded, warnings)
	}

	exceeded, warnings = m.CheckRiskLimits(Account{
		InitialBalance: 1000,
		DailyPnL:       -60,
		Portfolio: models.PortfolioSnapshot{
			QuoteBalance: 100,
			BaseBalance:  2,
			Positions:    []*models.Position{p1, p2},
		},
	}, 100)
	// daily loss, total loss (300 vs 1000), position count, and both positions over 50
	if !exceeded || len(warnings) != 5 {
		t.Fatalf("want 5 warnings, got %v %v", exceeded, warnings)
	}

	if !m.CanOpen(0) || m.CanOpen(1) {
		t.Fatal("CanOpen must respect max_positions")
	}
}

func TestAdjustRiskForVolatility(t *testing.T) {
	m := newManager(t, nil)
	if got := m.AdjustRiskForVolatility(0.4, 0.01); math.Abs(got-0.005) > 1e-12 {
		t.Fatalf("adjusted = %v, want 0.005", got)
	}
	if got := m.AdjustRiskForVolatility(0.01, 0.01); got != 0.02 {
		t.Fatalf("adjusted = %v, want capped 0.02", got)
	}
	if _, ok := Volatility([]float64{1, 2}, 5); ok {
		t.Fatal("short history must not produce volatility")
	}
	if v, ok := Volatility([]float64{100, 100, 100}, 3); !ok || v != 0 {
		t.Fatalf("flat volatility = %v %v", v, ok)
	}
}
