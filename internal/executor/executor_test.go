package executor

import (
	"context"
	"errors"
	"math"
	"testing"

	"position_bot/internal/events"
	"position_bot/internal/exchange"
	"position_bot/internal/models"
	"position_bot/internal/portfolio"
	"position_bot/internal/store"
)

type fixture struct {
	exec  *Executor
	pf    *portfolio.Manager
	paper *exchange.Paper
	store *store.Memory
	bus   *events.Bus
}

func newFixture(t *testing.T, testMode bool) fixture {
	t.Helper()
	paper := exchange.NewPaper(map[string]float64{"USDT": 10000}, 0.001)
	paper.SetPrice("BTC/USDT", 50000)
	st := store.NewMemory()
	bus := events.NewBus()

	pf, err := portfolio.NewManager(portfolio.Config{Symbol: "BTC/USDT", InitialBalance: 10000, TestMode: testMode}, paper, st, bus)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	ex := New(Config{Symbol: "BTC/USDT", TestMode: testMode}, paper, pf, bus)
	return fixture{exec: ex, pf: pf, paper: paper, store: st, bus: bus}
}

func (f fixture) trades(t *testing.T) []models.Trade {
	t.Helper()
	tr, err := f.store.GetTrades(context.Background(), "BTC/USDT", 0)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestExecuteBuyOpensProtectedLong(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	order, err := f.exec.ExecuteBuy(ctx, BuyRequest{
		Price:          50000,
		Quantity:       0.04,
		AdditionalInfo: map[string]any{"strategy": "ema_rsi"},
		Protection:     Protection{StopLoss: 49000, TakeProfit: 52500, Trailing: true, TrailingDistance: 1000},
	})
	if err != nil {
		t.Fatalf("ExecuteBuy: %v", err)
	}
	if order.Status != "closed" || order.Side != models.OrderBuy || order.ID[:9] != "test_buy_" {
		t.Fatalf("order = %+v", order)
	}

	open := f.pf.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("open positions = %d", len(open))
	}
	p := open[0]
	if p.Amount != 0.04 || p.EntryPrice != 50000 || p.StopLoss != 49000 || p.TakeProfit != 52500 || !p.AutoSLTP {
		t.Fatalf("position = %+v", p)
	}
	if p.TrailingStopPrice != 49000 {
		t.Fatalf("trailing stop = %v, want 49000", p.TrailingStopPrice)
	}
	if p.AdditionalInfo["order_id"] != order.ID || p.AdditionalInfo["strategy"] != "ema_rsi" {
		t.Fatalf("additional info = %v", p.AdditionalInfo)
	}

	tr := f.trades(t)
	if len(tr) != 1 || tr[0].PositionID != p.ID || tr[0].Side != models.OrderBuy {
		t.Fatalf("trades = %+v", tr)
	}
	base, quote := f.pf.Balances()
	if base != 0.04 || math.Abs(quote-(10000-2000-2)) > 1e-9 {
		t.Fatalf("balances = %v/%v", base, quote)
	}
}

func TestExecuteBuyRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 0, Quantity: 1}); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("zero price: %v", err)
	}
	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 1, Quantity: 1, ClosePosition: true, PositionID: "nope"}); !errors.Is(err, portfolio.ErrPositionNotFound) {
		t.Fatalf("unknown short: %v", err)
	}
	if len(f.trades(t)) != 0 {
		t.Fatal("rejected requests must not write trades")
	}
}

func TestExecuteSellBelowMinimumWritesNothing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 50000, Quantity: 0.01}); err != nil {
		t.Fatal(err)
	}

	order, err := f.exec.ExecuteSell(ctx, SellRequest{Price: 51000, Percentage: 0.05})
	if !errors.Is(err, ErrBelowMinQuantity) || order != nil {
		t.Fatalf("want ErrBelowMinQuantity and no order, got %v %+v", err, order)
	}
	if tr := f.trades(t); len(tr) != 1 {
		t.Fatalf("trades = %d, want only the buy", len(tr))
	}
	if p := f.pf.OpenPositions()[0]; p.Amount != 0.01 {
		t.Fatalf("position changed: %+v", p)
	}
}

func TestExecuteSellEscalatesDustRemainder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 50000, Quantity: 0.01}); err != nil {
		t.Fatal(err)
	}

	order, err := f.exec.ExecuteSell(ctx, SellRequest{Price: 51000, Percentage: 0.95})
	if err != nil {
		t.Fatalf("ExecuteSell: %v", err)
	}
	if order.Amount != 0.01 {
		t.Fatalf("sold %v, want the whole 0.01", order.Amount)
	}
	if len(f.pf.OpenPositions()) != 0 {
		t.Fatal("position must be closed")
	}
}

func TestExecuteSellPartial(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 45000, Quantity: 1}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.exec.ExecuteSell(ctx, SellRequest{Price: 46000, Percentage: 0.4}); err != nil {
		t.Fatal(err)
	}
	p := f.pf.OpenPositions()[0]
	if math.Abs(p.Amount-0.6) > 1e-9 || len(p.PartialExits) != 1 || math.Abs(p.PartialExits[0].PnL-400) > 1e-9 {
		t.Fatalf("after partial = %+v", p)
	}
	base, _ := f.pf.Balances()
	if math.Abs(base-0.6) > 1e-9 {
		t.Fatalf("base balance = %v", base)
	}
}

func TestClosePositionTagsExitType(t *testing.T) {
	tests := []struct {
		name     string
		reason   string
		wantType string
		wantAuto bool
	}{
		{"manual", "", "manual", false},
		{"automatic", models.ReasonStopLoss, "auto", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			ctx := context.Background()
			if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 50000, Quantity: 0.02}); err != nil {
				t.Fatal(err)
			}
			id := f.pf.OpenPositions()[0].ID

			if _, err := f.exec.ClosePosition(ctx, id, CloseRequest{Reason: tt.reason}); err != nil {
				t.Fatalf("ClosePosition: %v", err)
			}
			p, _ := f.pf.GetPosition(id)
			if p.IsOpen() || p.AdditionalInfo["exit_type"] != tt.wantType || p.AdditionalInfo["auto_exit"] != tt.wantAuto {
				t.Fatalf("closed position = %+v", p)
			}
			if len(f.bus.Recent(10, events.PositionClosed)) != 1 {
				t.Fatal("POSITION_CLOSED not published")
			}
		})
	}
}

func TestClosePositionPartialLongUsesPositionAmount(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 50000, Quantity: 0.1}); err != nil {
		t.Fatal(err)
	}
	id := f.pf.OpenPositions()[0].ID

	order, err := f.exec.ClosePosition(ctx, id, CloseRequest{Amount: 0.04})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(order.Amount-0.04) > 1e-9 {
		t.Fatalf("sold %v, want 0.04", order.Amount)
	}
	p, _ := f.pf.GetPosition(id)
	if math.Abs(p.Amount-0.06) > 1e-9 || !p.IsOpen() {
		t.Fatalf("remaining = %+v", p)
	}
}

func TestClosePositionCoversShort(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	short, _ := models.NewPosition("BTC/USDT", models.SideShort, 0.05, 52000)
	if err := f.pf.AddPosition(ctx, short); err != nil {
		t.Fatal(err)
	}

	order, err := f.exec.ClosePosition(ctx, short.ID, CloseRequest{Reason: models.ReasonTakeProfit})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if order.Side != models.OrderBuy || order.Amount != 0.05 {
		t.Fatalf("order = %+v", order)
	}
	p, _ := f.pf.GetPosition(short.ID)
	if p.IsOpen() || math.Abs(p.PnL-100) > 1e-9 {
		t.Fatalf("short after cover = %+v", p)
	}
	if len(f.pf.OpenPositions()) != 0 {
		t.Fatal("covering a short must not open a long")
	}
}

func TestLiveOrderFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.paper.FailNext(&exchange.Error{Kind: exchange.KindFatal, Op: "market_buy", Err: exchange.ErrInsufficientBalance})
	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 50000, Quantity: 0.01}); !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("want insufficient balance, got %v", err)
	}
	if len(f.pf.OpenPositions()) != 0 || len(f.trades(t)) != 0 {
		t.Fatal("failed order must not create a position or trade")
	}
	if len(f.bus.Recent(10, events.TradingError)) != 1 {
		t.Fatal("TRADING_ERROR not published")
	}

	order, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 50000, Quantity: 0.01})
	if err != nil {
		t.Fatalf("live buy: %v", err)
	}
	if order.ID == "" || order.ID[:5] == "test_" {
		t.Fatalf("live order id = %q", order.ID)
	}
	base, quote := f.pf.Balances()
	if base != 0.01 || math.Abs(quote-(10000-500-0.5)) > 1e-9 {
		t.Fatalf("balances after exchange refresh = %v/%v", base, quote)
	}
}

func TestGetCurrentPrice(t *testing.T) {
	f := newFixture(t, true)
	if px, err := f.exec.GetCurrentPrice(context.Background(), ""); err != nil || px != 50000 {
		t.Fatalf("GetCurrentPrice: %v %v", px, err)
	}
	if _, err := f.exec.GetCurrentPrice(context.Background(), "ETH/USDT"); !errors.Is(err, exchange.ErrNoPrice) {
		t.Fatalf("missing price: %v", err)
	}
	if q := f.exec.MinOrderQty(context.Background()); q != 0.001 {
		t.Fatalf("min qty = %v", q)
	}
}

// venueFill fills ratio of every market order on the paper exchange and can
// rewrite the commission the way a real venue reports it.
type venueFill struct {
	*exchange.Paper
	ratio    float64
	feeAsset string
	fee      float64
	baseFee  float64
}

func (v venueFill) CreateMarketBuyOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	o, err := v.Paper.CreateMarketBuyOrder(ctx, symbol, amount*v.ratio)
	return v.adjust(amount, o, err)
}

func (v venueFill) CreateMarketSellOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	o, err := v.Paper.CreateMarketSellOrder(ctx, symbol, amount*v.ratio)
	return v.adjust(amount, o, err)
}

func (v venueFill) adjust(requested float64, o *models.Order, err error) (*models.Order, error) {
	if err != nil {
		return nil, err
	}
	if v.ratio < 1 {
		o.Amount = requested
		o.Status = "canceled"
	}
	if v.feeAsset != "" {
		o.Fee, o.FeeAsset, o.BaseFee = v.fee, v.feeAsset, v.baseFee
	}
	return o, nil
}

func newVenueFixture(t *testing.T, v venueFill) fixture {
	t.Helper()
	paper := exchange.NewPaper(map[string]float64{"USDT": 10000}, 0.001)
	paper.SetPrice("BTC/USDT", 50000)
	v.Paper = paper
	st := store.NewMemory()
	bus := events.NewBus()

	pf, err := portfolio.NewManager(portfolio.Config{Symbol: "BTC/USDT", InitialBalance: 10000}, v, st, bus)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	ex := New(Config{Symbol: "BTC/USDT"}, v, pf, bus)
	return fixture{exec: ex, pf: pf, paper: paper, store: st, bus: bus}
}

func TestLiveBuyBooksWhatWasFilled(t *testing.T) {
	tests := []struct {
		name       string
		venue      venueFill
		wantAmount float64
		wantTraded float64
		wantFee    float64
		wantAsset  any
	}{
		{
			name:       "half filled",
			venue:      venueFill{ratio: 0.5},
			wantAmount: 0.02,
			wantTraded: 0.02,
			wantFee:    1,
			wantAsset:  "USDT",
		},
		{
			name:       "commission in base",
			venue:      venueFill{ratio: 1, feeAsset: "BTC", fee: 2, baseFee: 0.00004},
			wantAmount: 0.03996,
			wantTraded: 0.04,
			wantFee:    2,
			wantAsset:  "BTC",
		},
		{
			name:       "commission in a third asset is estimated",
			venue:      venueFill{ratio: 1, feeAsset: "BNB", fee: 0.0025},
			wantAmount: 0.04,
			wantTraded: 0.04,
			wantFee:    2,
			wantAsset:  "BNB",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newVenueFixture(t, tt.venue)
			if _, err := f.exec.ExecuteBuy(context.Background(), BuyRequest{Price: 50000, Quantity: 0.04}); err != nil {
				t.Fatalf("ExecuteBuy: %v", err)
			}

			open := f.pf.OpenPositions()
			if len(open) != 1 || math.Abs(open[0].Amount-tt.wantAmount) > 1e-9 {
				t.Fatalf("positions = %+v, want amount %v", open, tt.wantAmount)
			}
			tr := f.trades(t)
			if len(tr) != 1 || math.Abs(tr[0].Amount-tt.wantTraded) > 1e-9 || math.Abs(tr[0].Fee-tt.wantFee) > 1e-9 {
				t.Fatalf("trade = %+v", tr)
			}
			if tr[0].AdditionalInfo["fee_asset"] != tt.wantAsset {
				t.Fatalf("fee asset = %v", tr[0].AdditionalInfo["fee_asset"])
			}
		})
	}
}

func TestLiveSellPartialFillKeepsRemainderOpen(t *testing.T) {
	f := newVenueFixture(t, venueFill{ratio: 1})
	ctx := context.Background()
	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 50000, Quantity: 0.04}); err != nil {
		t.Fatal(err)
	}

	f.exec.exchange = venueFill{Paper: f.paper, ratio: 0.5}
	if _, err := f.exec.ExecuteSell(ctx, SellRequest{Price: 50000}); err != nil {
		t.Fatalf("ExecuteSell: %v", err)
	}
	open := f.pf.OpenPositions()
	if len(open) != 1 || math.Abs(open[0].Amount-0.02) > 1e-9 {
		t.Fatalf("positions = %+v, want 0.02 left", open)
	}
	if pe := open[0].PartialExits; len(pe) != 1 || math.Abs(pe[0].Percentage-0.5) > 1e-9 || math.Abs(pe[0].Amount-0.02) > 1e-9 {
		t.Fatalf("partial exits = %+v", pe)
	}
}

func TestLiveUnfilledOrderChangesNothing(t *testing.T) {
	f := newVenueFixture(t, venueFill{ratio: 0})

	_, err := f.exec.ExecuteBuy(context.Background(), BuyRequest{Price: 50000, Quantity: 0.04})
	if !errors.Is(err, ErrNotFilled) {
		t.Fatalf("want ErrNotFilled, got %v", err)
	}
	if len(f.pf.OpenPositions()) != 0 || len(f.trades(t)) != 0 {
		t.Fatal("an unfilled order must not create a position or trade")
	}
	if len(f.bus.Recent(10, events.TradingError)) != 1 || len(f.bus.Recent(10, events.OrderFilled)) != 0 {
		t.Fatal("want TRADING_ERROR and no ORDER_FILLED")
	}
}

func TestExecuteSellClampsToPositionAmount(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.exec.ExecuteBuy(ctx, BuyRequest{Price: 50000, Quantity: 0.01}); err != nil {
		t.Fatal(err)
	}

	order, err := f.exec.ExecuteSell(ctx, SellRequest{Price: 51000, Quantity: 0.05})
	if err != nil {
		t.Fatalf("ExecuteSell: %v", err)
	}
	if order.Amount != 0.01 {
		t.Fatalf("sold %v, want 0.01", order.Amount)
	}
	if len(f.pf.OpenPositions()) != 0 {
		t.Fatal("position must be closed")
	}
	if base, _ := f.pf.Balances(); math.Abs(base) > 1e-12 {
		t.Fatalf("base balance = %v", base)
	}
	if len(f.bus.Recent(10, events.OrderFilled)) != 2 {
		t.Fatal("ORDER_FILLED must be published per fill")
	}
}
