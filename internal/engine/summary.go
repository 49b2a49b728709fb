package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"position_bot/internal/models"
	"position_bot/internal/risk"
)

// Summary is the performance report of the engine's symbol.
type Summary struct {
	Symbol          string            `json:"symbol"`
	TestMode        bool              `json:"test_mode"`
	Price           float64           `json:"price"`
	BaseBalance     float64           `json:"base_balance"`
	QuoteBalance    float64           `json:"quote_balance"`
	TotalValue      float64           `json:"total_value"`
	InitialBalance  float64           `json:"initial_balance"`
	OpenPositions   int               `json:"open_positions"`
	ClosedPositions int               `json:"closed_positions"`
	RealizedPnL     float64           `json:"realized_pnl"`
	UnrealizedPnL   float64           `json:"unrealized_pnl"`
	Buys            int               `json:"buys"`
	Sells           int               `json:"sells"`
	MaxDrawdown     float64           `json:"max_drawdown"`
	WinRate         float64           `json:"win_rate"`
	KellyFraction   float64           `json:"kelly_fraction"`
	LastSignal      models.SignalSide `json:"last_signal"`
}

func (e *Engine) Summary(ctx context.Context) (Summary, error) {
	var (
		price  float64
		trades []models.Trade
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		px, err := e.exec.GetCurrentPrice(gctx, e.cfg.Symbol)
		price = px
		return err
	})
	g.Go(func() error {
		tr, err := e.store.GetTrades(gctx, e.cfg.Symbol, 0)
		trades = tr
		return err
	})
	if err := g.Wait(); err != nil {
		return Summary{}, fmt.Errorf("engine.Summary: %w", err)
	}

	snap := e.pf.Snapshot()
	s := Summary{
		Symbol:         e.cfg.Symbol,
		TestMode:       e.cfg.TestMode,
		Price:          price,
		BaseBalance:    snap.BaseBalance,
		QuoteBalance:   snap.QuoteBalance,
		InitialBalance: e.cfg.InitialBalance,
		LastSignal:     e.LastSignal(),
	}
	s.TotalValue = decimal.NewFromFloat(snap.QuoteBalance).
		Add(decimal.NewFromFloat(snap.BaseBalance).Mul(decimal.NewFromFloat(price))).
		InexactFloat64()

	realized, unrealized := decimal.Zero, decimal.Zero
	gains, losses := decimal.Zero, decimal.Zero
	wins, lost := 0, 0
	for _, p := range snap.Positions {
		for _, x := range p.PartialExits {
			realized = realized.Add(decimal.NewFromFloat(x.PnL))
		}
		if p.IsOpen() {
			s.OpenPositions++
			unrealized = unrealized.Add(decimal.NewFromFloat(p.CalculateUnrealizedPnl(price)))
			continue
		}
		s.ClosedPositions++
		pnl := decimal.NewFromFloat(p.PnL)
		realized = realized.Add(pnl)
		switch {
		case pnl.IsPositive():
			wins++
			gains = gains.Add(pnl)
		case pnl.IsNegative():
			lost++
			losses = losses.Sub(pnl)
		}
	}
	s.RealizedPnL = realized.InexactFloat64()
	s.UnrealizedPnL = unrealized.InexactFloat64()

	if s.ClosedPositions > 0 {
		s.WinRate = float64(wins) / float64(s.ClosedPositions)
	}
	if wins > 0 && lost > 0 {
		avgWin := gains.Div(decimal.NewFromInt(int64(wins)))
		avgLoss := losses.Div(decimal.NewFromInt(int64(lost)))
		s.KellyFraction = risk.KellyCriterion(s.WinRate, avgWin.Div(avgLoss).InexactFloat64())
	}

	for _, t := range trades {
		switch t.Side {
		case models.OrderBuy:
			s.Buys++
		case models.OrderSell:
			s.Sells++
		}
	}
	s.MaxDrawdown, _, _ = risk.MaxDrawdown(equityCurve(e.cfg.InitialBalance, trades, price))
	return s, nil
}

// equityCurve replays trades (newest first, as stored) from a quote-only
// starting balance and marks the holdings at each trade price, ending at the
// current price.
func equityCurve(initial float64, trades []models.Trade, price float64) []float64 {
	quote, base := decimal.NewFromFloat(initial), decimal.Zero
	curve := make([]float64, 0, len(trades)+2)
	curve = append(curve, quote.InexactFloat64())
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		qty := decimal.NewFromFloat(t.Amount)
		cost := decimal.NewFromFloat(t.Cost)
		if cost.IsZero() {
			cost = qty.Mul(decimal.NewFromFloat(t.Price))
		}
		fee := decimal.NewFromFloat(t.Fee)
		switch t.Side {
		case models.OrderBuy:
			base = base.Add(qty)
			quote = quote.Sub(cost.Add(fee))
		case models.OrderSell:
			base = base.Sub(qty)
			quote = quote.Add(cost.Sub(fee))
		}
		curve = append(curve, quote.Add(base.Mul(decimal.NewFromFloat(t.Price))).InexactFloat64())
	}
	if price > 0 {
		curve = append(curve, quote.Add(base.Mul(decimal.NewFromFloat(price))).InexactFloat64())
	}
	return curve
}
