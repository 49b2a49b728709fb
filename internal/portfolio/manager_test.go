package portfolio

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"position_bot/internal/events"
	"position_bot/internal/exchange"
	"position_bot/internal/models"
	"position_bot/internal/store"
)

const eps = 1e-9

// flakyStore fails the named operations.
type flakyStore struct {
	*store.Memory
	failUpdate  bool
	failSave    bool
	failBalance bool
}

var errStore = errors.New("store down")

func (s *flakyStore) UpdatePosition(ctx context.Context, p *models.Position) error {
	if s.failUpdate {
		return errStore
	}
	return s.Memory.UpdatePosition(ctx, p)
}

func (s *flakyStore) SavePosition(ctx context.Context, p *models.Position) error {
	if s.failSave {
		return errStore
	}
	return s.Memory.SavePosition(ctx, p)
}

func (s *flakyStore) SaveBalance(ctx context.Context, currency string, amount float64) error {
	if s.failBalance {
		return errStore
	}
	return s.Memory.SaveBalance(ctx, currency, amount)
}

// recorder is a fake bus.
type recorder struct {
	events []events.Type
}

func (r *recorder) Publish(t events.Type, _ map[string]any) { r.events = append(r.events, t) }

func (r *recorder) count(t events.Type) int {
	n := 0
	for _, e := range r.events {
		if e == t {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, st store.Store, testMode bool) (*Manager, *exchange.Paper, *recorder) {
	t.Helper()
	paper := exchange.NewPaper(map[string]float64{"USDT": 10000}, 0.001)
	paper.SetPrice("BTC/USDT", 50000)
	bus := &recorder{}
	m, err := NewManager(Config{Symbol: "BTC/USDT", InitialBalance: 10000, TestMode: testMode}, paper, st, bus)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, paper, bus
}

func openLong(t *testing.T, m *Manager, amount, entry float64) *models.Position {
	t.Helper()
	p, err := models.NewPosition("BTC/USDT", models.SideLong, amount, entry)
	if err != nil {
		t.Fatalf("NewPosition: %v", err)
	}
	if err := m.AddPosition(context.Background(), p); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	return p
}

func TestAddPositionRejectsDuplicateID(t *testing.T) {
	m, _, bus := newTestManager(t, store.NewMemory(), true)
	p := openLong(t, m, 1, 100)

	err := m.AddPosition(context.Background(), p)
	if !errors.Is(err, ErrDuplicatePosition) {
		t.Fatalf("second AddPosition: %v", err)
	}

	n := 0
	for _, q := range m.Snapshot().Positions {
		if q.ID == p.ID {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("positions with id %s = %d, want 1", p.ID, n)
	}
	if bus.count(events.PositionOpened) != 1 {
		t.Fatalf("POSITION_OPENED published %d times", bus.count(events.PositionOpened))
	}
}

func TestAddPositionNotCommittedWhenStoreFails(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(), failSave: true}
	m, _, bus := newTestManager(t, st, true)

	p, _ := models.NewPosition("BTC/USDT", models.SideLong, 1, 100)
	if err := m.AddPosition(context.Background(), p); !errors.Is(err, errStore) {
		t.Fatalf("AddPosition: %v", err)
	}
	if len(m.Snapshot().Positions) != 0 || bus.count(events.PositionOpened) != 0 {
		t.Fatal("failed save must leave the portfolio untouched")
	}
	if bus.count(events.DatabaseError) != 1 {
		t.Fatalf("events = %v", bus.events)
	}
}

func TestUpdatePortfolioAfterTrade(t *testing.T) {
	tests := []struct {
		name      string
		side      models.OrderSide
		opts      []TradeOption
		wantBase  float64
		wantQuote float64
	}{
		{"buy default fee", models.OrderBuy, nil, 0.1, 10000 - 5000 - 5},
		{"buy explicit fee", models.OrderBuy, []TradeOption{WithFee(1)}, 0.1, 10000 - 5000 - 1},
		{"sell default fee", models.OrderSell, nil, -0.1, 10000 + 5000 - 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			m, _, bus := newTestManager(t, st, true)

			if err := m.UpdatePortfolioAfterTrade(context.Background(), tt.side, 50000, 0.1, tt.opts...); err != nil {
				t.Fatalf("UpdatePortfolioAfterTrade: %v", err)
			}
			base, quote := m.Balances()
			if math.Abs(base-tt.wantBase) > eps || math.Abs(quote-tt.wantQuote) > eps {
				t.Fatalf("balances = %v/%v, want %v/%v", base, quote, tt.wantBase, tt.wantQuote)
			}
			if h, _ := st.BalanceHistory(context.Background(), "USDT", 1); len(h) != 1 || math.Abs(h[0]-tt.wantQuote) > eps {
				t.Fatalf("persisted quote = %v", h)
			}
			if bus.count(events.TradeExecuted) != 1 {
				t.Fatal("TRADE_EXECUTED not published")
			}
		})
	}
}

func TestUpdatePortfolioAfterTradeKeepsBalancesOnStoreError(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(), failBalance: true}
	m, _, _ := newTestManager(t, st, true)

	if err := m.UpdatePortfolioAfterTrade(context.Background(), models.OrderBuy, 100, 1); err == nil {
		t.Fatal("want error")
	}
	if base, quote := m.Balances(); base != 0 || quote != 10000 {
		t.Fatalf("balances changed: %v/%v", base, quote)
	}
	if err := m.UpdatePortfolioAfterTrade(context.Background(), "hold", 100, 1); !errors.Is(err, ErrInvalidTradeSide) {
		t.Fatalf("invalid side: %v", err)
	}
}

func TestPartialThenFullExit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m, _, bus := newTestManager(t, st, true)
	p := openLong(t, m, 1.0, 45000)

	got, err := m.UpdatePositionAfterExit(ctx, ExitRequest{
		Order:      &models.Order{ID: "o-1"},
		Price:      46000,
		Quantity:   0.4,
		Percentage: 0.4,
		PositionID: p.ID,
	})
	if err != nil {
		t.Fatalf("partial exit: %v", err)
	}
	if math.Abs(got.Amount-0.6) > eps || len(got.PartialExits) != 1 || math.Abs(got.PartialExits[0].PnL-400) > eps {
		t.Fatalf("after partial = %+v", got)
	}
	if !got.IsOpen() {
		t.Fatal("partial exit must keep the position open")
	}

	got, err = m.UpdatePositionAfterExit(ctx, ExitRequest{
		Order:      &models.Order{ID: "o-2"},
		Price:      47000,
		Quantity:   0.6,
		Percentage: 1,
		ExitInfo:   map[string]any{"exit_type": "auto", "exit_reason": "take profit reached", "auto_exit": true},
	})
	if err != nil {
		t.Fatalf("full exit: %v", err)
	}
	if got.Status != models.StatusClosed || math.Abs(got.PnL-1200) > eps || got.ExitPrice != 47000 {
		t.Fatalf("after close = %+v", got)
	}
	if got.AdditionalInfo["exit_type"] != "auto" || got.AdditionalInfo["exit_order_id"] != "o-2" {
		t.Fatalf("additional info = %v", got.AdditionalInfo)
	}

	stored, err := st.GetPosition(ctx, p.ID)
	if err != nil || stored.Status != models.StatusClosed {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	trades, _ := m.RecentTrades(ctx, 0)
	if len(trades) != 2 || trades[0].Amount != 0.6 || trades[0].PositionID != p.ID || trades[0].Side != models.OrderSell {
		t.Fatalf("trades = %+v", trades)
	}
	if trades[0].AdditionalInfo["order_id"] != "o-2" {
		t.Fatalf("trade info = %v", trades[0].AdditionalInfo)
	}
	if bus.count(events.PositionUpdated) != 1 || bus.count(events.PositionClosed) != 1 {
		t.Fatalf("events = %v", bus.events)
	}
	if pnl := m.RealizedPnLSince(time.Now().Add(-time.Hour)); math.Abs(pnl-1600) > eps {
		t.Fatalf("realized pnl = %v", pnl)
	}
}

func TestExitMatchesFirstOpenLong(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, store.NewMemory(), true)

	short, _ := models.NewPosition("BTC/USDT", models.SideShort, 1, 100)
	if err := m.AddPosition(ctx, short); err != nil {
		t.Fatal(err)
	}
	first := openLong(t, m, 1, 100)
	second := openLong(t, m, 2, 110)

	got, err := m.UpdatePositionAfterExit(ctx, ExitRequest{Price: 120, Quantity: 1, Percentage: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID {
		t.Fatalf("closed %s, want first open long %s", got.ID, first.ID)
	}

	got, err = m.UpdatePositionAfterExit(ctx, ExitRequest{Price: 120, Quantity: 1, Percentage: 0.5, PositionID: second.ID})
	if err != nil || got.ID != second.ID {
		t.Fatalf("id filtered exit: %v %+v", err, got)
	}

	if _, err := m.UpdatePositionAfterExit(ctx, ExitRequest{Price: 120, Quantity: 1, Percentage: 1, PositionID: short.ID}); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("short must not match a long exit: %v", err)
	}
}

func TestExitNotCommittedWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	m, _, bus := newTestManager(t, st, true)
	p := openLong(t, m, 1, 100)

	st.failUpdate = true
	if _, err := m.UpdatePositionAfterExit(ctx, ExitRequest{Price: 110, Quantity: 0.5, Percentage: 0.5}); !errors.Is(err, errStore) {
		t.Fatalf("want store error, got %v", err)
	}

	got, _ := m.GetPosition(p.ID)
	if got.Amount != 1 || len(got.PartialExits) != 0 {
		t.Fatalf("position mutated despite failed persist: %+v", got)
	}
	if trades, _ := st.GetTrades(ctx, "", 0); len(trades) != 0 {
		t.Fatalf("trade written for an uncommitted exit: %+v", trades)
	}
	if bus.count(events.DatabaseError) != 1 || bus.count(events.PositionUpdated) != 0 {
		t.Fatalf("events = %v", bus.events)
	}
}

func TestClosePositionByIDCoversShort(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, store.NewMemory(), true)
	short, _ := models.NewPosition("BTC/USDT", models.SideShort, 2, 100)
	if err := m.AddPosition(ctx, short); err != nil {
		t.Fatal(err)
	}

	got, err := m.ClosePositionByID(ctx, short.ID, ExitRequest{Price: 90})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusClosed || got.PnL != 20 {
		t.Fatalf("closed short = %+v", got)
	}
	trades, _ := m.RecentTrades(ctx, 1)
	if len(trades) != 1 || trades[0].Side != models.OrderBuy || trades[0].Amount != 2 {
		t.Fatalf("cover trade = %+v", trades)
	}
	if _, err := m.ClosePositionByID(ctx, short.ID, ExitRequest{Price: 90}); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("closing twice: %v", err)
	}
}

func TestGetOpenPositionsLiveFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m, paper, _ := newTestManager(t, st, false)
	p := openLong(t, m, 1, 100)

	got, err := m.GetOpenPositions(ctx, "")
	if err != nil || len(got) != 1 || got[0].ID != p.ID {
		t.Fatalf("fallback: %v %+v", err, got)
	}

	paper.SetPositions([]map[string]any{
		{"symbol": "BTC/USDT", "side": "LONG", "contracts": "-0.5", "entryPrice": 101.5},
		{"symbol": "BTC/USDT", "side": "short", "contracts": 0, "entryPrice": 99.0},
	})
	got, err = m.GetOpenPositions(ctx, "")
	if err != nil || len(got) != 1 {
		t.Fatalf("exchange positions: %v %+v", err, got)
	}
	if got[0].ID != "pos_BTC/USDT_long" || got[0].Amount != 0.5 || got[0].EntryPrice != 101.5 {
		t.Fatalf("normalized = %+v", got[0])
	}

	paper.FailNext(&exchange.Error{Kind: exchange.KindNetwork, Op: "get_positions"})
	got, err = m.GetOpenPositions(ctx, "")
	if err != nil || len(got) != 1 || got[0].ID != p.ID {
		t.Fatalf("fallback after exchange error: %v %+v", err, got)
	}
}

func TestLiveRefreshAndReconcile(t *testing.T) {
	ctx := context.Background()
	m, paper, bus := newTestManager(t, store.NewMemory(), false)

	if _, err := paper.CreateMarketBuyOrder(ctx, "BTC/USDT", 0.1); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdatePortfolio(ctx); err != nil {
		t.Fatal(err)
	}
	base, quote := m.Balances()
	if base != 0.1 || math.Abs(quote-(10000-5000-5)) > eps {
		t.Fatalf("refreshed balances = %v/%v", base, quote)
	}
	if bus.count(events.PortfolioUpdated) != 1 {
		t.Fatal("PORTFOLIO_UPDATED not published")
	}
	if bus.count(events.BalanceChanged) != 1 {
		t.Fatalf("events = %v", bus.events)
	}

	// unchanged balances publish nothing new; a failed fetch reports an API error
	if err := m.UpdatePortfolio(ctx); err != nil {
		t.Fatal(err)
	}
	paper.FailNext(&exchange.Error{Kind: exchange.KindNetwork, Op: "fetch_balance"})
	if err := m.UpdatePortfolio(ctx); err == nil {
		t.Fatal("want fetch error")
	}
	if bus.count(events.BalanceChanged) != 1 || bus.count(events.APIError) != 1 {
		t.Fatalf("events = %v", bus.events)
	}

	openLong(t, m, 0.04, 50000)
	d, err := m.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Significant(MinTradeQuantity) || math.Abs(d.Difference-0.06) > eps {
		t.Fatalf("drift = %+v", d)
	}
}

func TestCalculatePositionSize(t *testing.T) {
	m, _, _ := newTestManager(t, store.NewMemory(), true)

	if got := m.CalculatePositionSize(50000, nil); math.Abs(got-0.06) > eps {
		t.Fatalf("fallback size = %v, want 0.06", got)
	}
	if got := m.CalculatePositionSize(1e9, nil); got != 0 {
		t.Fatalf("dust size = %v, want 0", got)
	}
	if got := m.CalculatePositionSize(50000, fixedSizer(0.04)); got != 0.04 {
		t.Fatalf("sizer size = %v", got)
	}
}

type fixedSizer float64

func (f fixedSizer) CalculatePositionSize(_, _ float64, _ ...float64) float64 { return float64(f) }

func TestRestoreReloadsOpenPositionsAndBalances(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m, _, _ := newTestManager(t, st, true)
	p := openLong(t, m, 1, 100)
	if err := m.UpdatePortfolioAfterTrade(ctx, models.OrderBuy, 100, 1); err != nil {
		t.Fatal(err)
	}

	restarted, _, _ := newTestManager(t, st, true)
	if err := restarted.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := restarted.GetPosition(p.ID); !ok {
		t.Fatal("open position not restored")
	}
	if base, quote := restarted.Balances(); base != 1 || math.Abs(quote-(10000-100-0.1)) > eps {
		t.Fatalf("restored balances = %v/%v", base, quote)
	}
}
