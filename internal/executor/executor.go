// Package executor places market orders (real or simulated) and hands the
// resulting fills to the portfolio.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"position_bot/internal/events"
	"position_bot/internal/exchange"
	"position_bot/internal/metrics"
	"position_bot/internal/models"
	"position_bot/internal/portfolio"
	"position_bot/pkg/logger"
	"position_bot/pkg/tracing"

	"github.com/shopspring/decimal"
)

const (
	defaultMinOrderQty = 0.001
	simulatedFeeRate   = 0.001
)

var (
	ErrBelowMinQuantity = errors.New("executor: quantity below exchange minimum")
	ErrInvalidOrder     = errors.New("executor: invalid order request")
	ErrNoPrice          = errors.New("executor: no valid current price")
	ErrNotFilled        = errors.New("executor: order not filled")
)

// Portfolio is what the executor needs from portfolio.Manager.
type Portfolio interface {
	AddPosition(ctx context.Context, p *models.Position) error
	UpdatePositionAfterExit(ctx context.Context, req portfolio.ExitRequest) (*models.Position, error)
	ClosePositionByID(ctx context.Context, id string, req portfolio.ExitRequest) (*models.Position, error)
	UpdatePortfolioAfterTrade(ctx context.Context, side models.OrderSide, price, quantity float64, opts ...portfolio.TradeOption) error
	RecordTrade(ctx context.Context, t models.Trade) error
	GetPosition(id string) (*models.Position, bool)
	FirstOpenLong(id string) (*models.Position, bool)
}

type Config struct {
	Symbol   string
	TestMode bool
	// MinOrderQty overrides the exchange's lot size when positive.
	MinOrderQty float64
}

type Executor struct {
	symbol   string
	testMode bool

	exchange  exchange.Client
	portfolio Portfolio
	bus       events.Publisher

	minOnce sync.Once
	minQty  float64
}

func New(cfg Config, ex exchange.Client, pf Portfolio, bus events.Publisher) *Executor {
	return &Executor{
		symbol:    cfg.Symbol,
		testMode:  cfg.TestMode,
		exchange:  ex,
		portfolio: pf,
		bus:       bus,
		minQty:    cfg.MinOrderQty,
	}
}

// MinOrderQty asks the exchange once and falls back to 0.001.
func (e *Executor) MinOrderQty(ctx context.Context) float64 {
	e.minOnce.Do(func() {
		if e.minQty > 0 {
			return
		}
		q, err := e.exchange.MinOrderQty(ctx, e.symbol)
		if err != nil || q <= 0 {
			if err != nil {
				logger.Warn("executor: min order qty for %s: %v, using %v", e.symbol, err, defaultMinOrderQty)
			}
			q = defaultMinOrderQty
		}
		e.minQty = q
	})
	return e.minQty
}

// GetCurrentPrice returns the last price of symbol, the executor's symbol when empty.
func (e *Executor) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if symbol == "" {
		symbol = e.symbol
	}
	tk, err := e.exchange.GetTicker(ctx, symbol)
	if err != nil {
		logger.Error("executor: ticker %s: %v", symbol, err)
		e.bus.Publish(events.APIError, map[string]any{
			"operation": "fetch_ticker",
			"symbol":    symbol,
			"error":     err.Error(),
		})
		return 0, fmt.Errorf("executor.GetCurrentPrice: %w", err)
	}
	if tk.Last <= 0 {
		return 0, fmt.Errorf("%w: %s=%v", ErrNoPrice, symbol, tk.Last)
	}
	return tk.Last, nil
}

// Protection holds the levels attached to a new position. Zero means unset.
type Protection struct {
	StopLoss         float64
	TakeProfit       float64
	Trailing         bool
	TrailingDistance float64
}

type BuyRequest struct {
	Price          float64
	Quantity       float64
	AdditionalInfo map[string]any
	// ClosePosition makes the buy cover the short PositionID instead of
	// opening a long.
	ClosePosition bool
	PositionID    string
	Protection    Protection
}

// ExecuteBuy opens a long, or covers a short when req.ClosePosition is set.
// The order is placed before anything local changes.
func (e *Executor) ExecuteBuy(ctx context.Context, req BuyRequest) (order *models.Order, err error) {
	span, ctx := tracing.StartSpan(ctx, "executor.ExecuteBuy", map[string]any{
		"symbol": e.symbol, "quantity": req.Quantity, "close": req.ClosePosition,
	})
	defer func() {
		tracing.Fail(span, err)
		span.Finish()
	}()

	if req.Price <= 0 || req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: price=%v quantity=%v", ErrInvalidOrder, req.Price, req.Quantity)
	}
	if req.ClosePosition {
		pos, ok := e.portfolio.GetPosition(req.PositionID)
		if !ok || !pos.IsOpen() || pos.Side != models.SideShort {
			return nil, fmt.Errorf("%w: no open short %q", portfolio.ErrPositionNotFound, req.PositionID)
		}
	}

	order, err = e.place(ctx, models.OrderBuy, req.Price, req.Quantity)
	if err != nil {
		return nil, err
	}
	f := e.settle(order, req.Price, req.Quantity)

	if req.ClosePosition {
		if f.qty < req.Quantity {
			logger.Warn("executor: short %s covered %v of %v", req.PositionID, f.qty, req.Quantity)
		}
		logger.Info("executor: covering short %s price=%v qty=%v", req.PositionID, f.price, f.qty)
		closed, err := e.portfolio.ClosePositionByID(ctx, req.PositionID, portfolio.ExitRequest{
			Order:    order,
			Time:     order.Timestamp,
			Price:    f.price,
			Quantity: f.qty,
			ExitInfo: req.AdditionalInfo,
			Fee:      f.fee,
			FeeAsset: f.asset,
		})
		if err != nil {
			return order, fmt.Errorf("executor.ExecuteBuy: close short: %w", err)
		}
		metrics.Exits.WithLabelValues(exitReason(req.AdditionalInfo), string(closed.Side)).Inc()
	} else {
		if err := e.openLong(ctx, order, f, req); err != nil {
			return order, err
		}
	}

	if err := e.portfolio.UpdatePortfolioAfterTrade(ctx, models.OrderBuy, f.price, f.net, f.tradeOptions()...); err != nil {
		return order, fmt.Errorf("executor.ExecuteBuy: %w", err)
	}
	return order, nil
}

func (e *Executor) openLong(ctx context.Context, order *models.Order, f fill, req BuyRequest) error {
	pos, err := models.NewPosition(e.symbol, models.SideLong, f.net, f.price)
	if err != nil {
		return fmt.Errorf("executor.ExecuteBuy: %w", err)
	}
	pos.OpenedAt = order.Timestamp
	pos.AdditionalInfo["order_id"] = order.ID
	pos.AdditionalInfo["test_mode"] = e.testMode
	for k, v := range req.AdditionalInfo {
		pos.AdditionalInfo[k] = v
	}
	if pr := req.Protection; pr.StopLoss > 0 || pr.TakeProfit > 0 || pr.Trailing {
		pos.SetAutoSLTP(pr.StopLoss, pr.TakeProfit, pr.Trailing, pr.TrailingDistance)
		if pos.TrailingStop {
			pos.UpdateTrailingStop(f.price)
		}
	}

	if err := e.portfolio.AddPosition(ctx, pos); err != nil {
		return fmt.Errorf("executor.ExecuteBuy: %w", err)
	}
	logger.Info("executor: opened long %s price=%v qty=%v sl=%v tp=%v", pos.ID, f.price, pos.Amount, pos.StopLoss, pos.TakeProfit)

	info := map[string]any{
		"order_id":  order.ID,
		"test_mode": e.testMode,
	}
	if f.asset != "" {
		info["fee_asset"] = f.asset
	}
	return e.portfolio.RecordTrade(ctx, models.Trade{
		Symbol:         e.symbol,
		Side:           models.OrderBuy,
		OrderType:      models.OrderTypeMarket,
		Amount:         f.qty,
		Price:          f.price,
		Cost:           f.cost(),
		Fee:            f.quoteFee(),
		Timestamp:      order.Timestamp,
		PositionID:     pos.ID,
		AdditionalInfo: info,
	})
}

type SellRequest struct {
	Price float64
	// Quantity is the amount the percentage applies to, normally the
	// position's remaining amount. Zero or more than the position means that
	// amount.
	Quantity float64
	// Percentage in (0, 1]. Zero means 1.
	Percentage float64
	PositionID string
	ExitInfo   map[string]any
}

// ExecuteSell reduces or closes the first open long (PositionID when set).
// A scaled quantity below the exchange minimum aborts with
// ErrBelowMinQuantity before any order; a remainder below the minimum turns
// the exit into a full one.
func (e *Executor) ExecuteSell(ctx context.Context, req SellRequest) (order *models.Order, err error) {
	span, ctx := tracing.StartSpan(ctx, "executor.ExecuteSell", map[string]any{
		"symbol": e.symbol, "position_id": req.PositionID, "percentage": req.Percentage,
	})
	defer func() {
		tracing.Fail(span, err)
		span.Finish()
	}()

	pos, ok := e.portfolio.FirstOpenLong(req.PositionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", portfolio.ErrPositionNotFound, req.PositionID)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: price=%v", ErrInvalidOrder, req.Price)
	}
	quantity := req.Quantity
	if quantity > pos.Amount {
		logger.Warn("executor: sell quantity %v exceeds position %s amount %v", quantity, pos.ID, pos.Amount)
	}
	if quantity <= 0 || quantity > pos.Amount {
		quantity = pos.Amount
	}
	pct := req.Percentage
	if pct == 0 {
		pct = 1
	}
	if pct < 0 || pct > 1 {
		return nil, fmt.Errorf("%w: percentage=%v", ErrInvalidOrder, pct)
	}

	actual := quantity
	if pct < 1 {
		actual = decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(pct)).Truncate(8).InexactFloat64()
	}

	minQty := e.MinOrderQty(ctx)
	if actual < minQty {
		logger.Warn("executor: sell quantity %v below minimum %v, not placing order", actual, minQty)
		metrics.OrderErrors.WithLabelValues(string(models.OrderSell), "below_min_qty").Inc()
		return nil, fmt.Errorf("%w: %v < %v", ErrBelowMinQuantity, actual, minQty)
	}
	if remaining := pos.Amount - actual; remaining > 0 && remaining < minQty {
		logger.Warn("executor: remainder %v below minimum %v, selling everything", remaining, minQty)
		actual = pos.Amount
	}

	order, err = e.place(ctx, models.OrderSell, req.Price, actual)
	if err != nil {
		return nil, err
	}
	f := e.settle(order, req.Price, actual)

	closed, err := e.portfolio.UpdatePositionAfterExit(ctx, portfolio.ExitRequest{
		Order:      order,
		Time:       order.Timestamp,
		Price:      f.price,
		Quantity:   f.qty,
		Percentage: exitFraction(f.qty, pos.Amount),
		PositionID: pos.ID,
		ExitInfo:   req.ExitInfo,
		Fee:        f.fee,
		FeeAsset:   f.asset,
	})
	if err != nil {
		return order, fmt.Errorf("executor.ExecuteSell: %w", err)
	}
	if !closed.IsOpen() {
		metrics.Exits.WithLabelValues(exitReason(req.ExitInfo), string(closed.Side)).Inc()
	}

	if err := e.portfolio.UpdatePortfolioAfterTrade(ctx, models.OrderSell, f.price, f.qty, f.tradeOptions()...); err != nil {
		return order, fmt.Errorf("executor.ExecuteSell: %w", err)
	}
	return order, nil
}

// exitFraction is the share of the position amount a fill of qty closed.
func exitFraction(qty, amount float64) float64 {
	q, a := decimal.NewFromFloat(qty), decimal.NewFromFloat(amount)
	if q.GreaterThanOrEqual(a) {
		return 1
	}
	return q.Div(a).InexactFloat64()
}

type CloseRequest struct {
	// Amount to close; zero or at least the position amount closes it all.
	// Shorts are always closed in full.
	Amount float64
	// Reason marks the exit automatic when set.
	Reason string
}

// ClosePosition exits position id at the current price: a long with a sell, a
// short with a covering buy.
func (e *Executor) ClosePosition(ctx context.Context, id string, req CloseRequest) (*models.Order, error) {
	pos, ok := e.portfolio.GetPosition(id)
	if !ok || !pos.IsOpen() {
		logger.Warn("executor: position %s not found or already closed", id)
		return nil, fmt.Errorf("%w: %q", portfolio.ErrPositionNotFound, id)
	}

	amount := req.Amount
	if amount <= 0 || amount >= pos.Amount {
		amount = pos.Amount
	}

	price, err := e.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}

	info := map[string]any{
		"exit_type":   "manual",
		"exit_reason": "manual close",
		"auto_exit":   false,
	}
	if req.Reason != "" {
		info["exit_type"] = "auto"
		info["exit_reason"] = req.Reason
		info["auto_exit"] = true
	}
	logger.Info("executor: closing %s %s amount=%v reason=%q", pos.Side, id, amount, req.Reason)

	if pos.Side == models.SideShort {
		return e.ExecuteBuy(ctx, BuyRequest{
			Price:          price,
			Quantity:       pos.Amount,
			AdditionalInfo: info,
			ClosePosition:  true,
			PositionID:     id,
		})
	}

	pct := 1.0
	if amount < pos.Amount {
		pct = decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(pos.Amount)).InexactFloat64()
	}
	return e.ExecuteSell(ctx, SellRequest{
		Price:      price,
		Quantity:   pos.Amount,
		Percentage: pct,
		PositionID: id,
		ExitInfo:   info,
	})
}

// place simulates the fill in test mode and sends a market order otherwise.
// A live order that reports nothing filled is a failure.
func (e *Executor) place(ctx context.Context, side models.OrderSide, price, quantity float64) (*models.Order, error) {
	if e.testMode {
		metrics.Orders.WithLabelValues("paper", string(side)).Inc()
		order := simulate(e.symbol, side, price, quantity, time.Now())
		logger.Info("executor: [test] %s %v @ %v id=%s", side, quantity, price, order.ID)
		e.publishFilled(order)
		return order, nil
	}

	e.bus.Publish(events.OrderCreated, map[string]any{
		"symbol":   e.symbol,
		"side":     string(side),
		"quantity": quantity,
		"price":    price,
	})
	var (
		order *models.Order
		err   error
	)
	if side == models.OrderBuy {
		order, err = e.exchange.CreateMarketBuyOrder(ctx, e.symbol, quantity)
	} else {
		order, err = e.exchange.CreateMarketSellOrder(ctx, e.symbol, quantity)
	}
	if err == nil && order.Filled <= 0 {
		err = fmt.Errorf("%w: order %s status=%s", ErrNotFilled, order.ID, order.Status)
	}
	if err != nil {
		logger.Error("executor: %s order %v %s: %v", side, quantity, e.symbol, err)
		kind := exchange.Classify(err).String()
		if errors.Is(err, ErrNotFilled) {
			kind = "not_filled"
		}
		metrics.OrderErrors.WithLabelValues(string(side), kind).Inc()
		e.bus.Publish(events.TradingError, map[string]any{
			"operation": "market_" + string(side),
			"symbol":    e.symbol,
			"quantity":  quantity,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("executor: place %s: %w", side, err)
	}
	metrics.Orders.WithLabelValues("live", string(side)).Inc()
	if order.Timestamp.IsZero() {
		order.Timestamp = time.Now()
	}
	logger.Info("executor: %s order %s filled=%v of %v price=%v status=%s", side, order.ID, order.Filled, quantity, order.Price, order.Status)
	e.publishFilled(order)
	return order, nil
}

func (e *Executor) publishFilled(o *models.Order) {
	e.bus.Publish(events.OrderFilled, map[string]any{
		"order_id":  o.ID,
		"symbol":    o.Symbol,
		"side":      string(o.Side),
		"filled":    o.Filled,
		"price":     o.Price,
		"status":    o.Status,
		"test_mode": e.testMode,
	})
}

// fill is an order as the portfolio books it.
type fill struct {
	qty   float64 // base amount traded
	net   float64 // base amount received; qty less base commission on buys
	price float64
	// fee is the quote fee, nil when the commission was paid in a third
	// asset and the portfolio's estimate applies.
	fee   *float64
	asset string
}

// settle reads what the exchange actually filled, never more than requested.
func (e *Executor) settle(o *models.Order, price, requested float64) fill {
	f := fill{qty: math.Min(o.Filled, requested), price: fillPrice(o, price), asset: o.FeeAsset}
	if f.qty < requested {
		logger.Warn("executor: order %s filled %v of %v (status %s)", o.ID, f.qty, requested, o.Status)
	}
	f.net = f.qty
	if o.Side == models.OrderBuy && o.BaseFee > 0 {
		f.net = decimal.NewFromFloat(f.qty).Sub(decimal.NewFromFloat(o.BaseFee)).InexactFloat64()
	}
	if o.FeeInQuote(e.symbol) {
		fee := o.Fee
		f.fee = &fee
	}
	return f
}

func (f fill) cost() float64 {
	return decimal.NewFromFloat(f.price).Mul(decimal.NewFromFloat(f.qty)).InexactFloat64()
}

// quoteFee is the booked fee, 0.1% of the cost when it is not known in quote.
func (f fill) quoteFee() float64 {
	if f.fee != nil {
		return *f.fee
	}
	return decimal.NewFromFloat(f.cost()).Mul(decimal.NewFromFloat(simulatedFeeRate)).InexactFloat64()
}

func (f fill) tradeOptions() []portfolio.TradeOption {
	if f.fee == nil {
		return nil
	}
	return []portfolio.TradeOption{portfolio.WithFee(*f.fee)}
}

func simulate(symbol string, side models.OrderSide, price, quantity float64, at time.Time) *models.Order {
	cost := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(quantity))
	return &models.Order{
		ID:        fmt.Sprintf("test_%s_%d", side, at.UnixNano()),
		Symbol:    symbol,
		Side:      side,
		Type:      models.OrderTypeMarket,
		Amount:    quantity,
		Price:     price,
		Cost:      cost.InexactFloat64(),
		Filled:    quantity,
		Fee:       cost.Mul(decimal.NewFromFloat(simulatedFeeRate)).InexactFloat64(),
		Status:    "closed",
		Timestamp: at,
	}
}

func fillPrice(o *models.Order, requested float64) float64 {
	if o.Price > 0 {
		return o.Price
	}
	return requested
}

func exitReason(info map[string]any) string {
	if r, ok := info["exit_reason"].(string); ok && r != "" {
		return r
	}
	return "signal"
}
