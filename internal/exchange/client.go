// Package exchange adapts exchanges to the narrow surface the bot trades
// through, with a single retry policy applied on top.
package exchange

import (
	"context"
	"strings"

	"position_bot/internal/models"
)

// Client is the exchange collaborator. Positions are returned as raw records
// and normalized by the caller.
type Client interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (models.Ticker, error)
	GetBalance(ctx context.Context) (models.Balance, error)
	CreateMarketBuyOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error)
	CreateMarketSellOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error)
	GetPositions(ctx context.Context, symbol string) ([]map[string]any, error)
	MinOrderQty(ctx context.Context, symbol string) (float64, error)
}

// MarketSymbol turns BTC/USDT or BTC-USDT into BTCUSDT.
func MarketSymbol(symbol string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "")
	return strings.ToUpper(r.Replace(symbol))
}

// CandleSource is implemented by clients that can serve recent closes for
// indicator warm-up.
type CandleSource interface {
	RecentCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error)
}
