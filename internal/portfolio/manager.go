// Package portfolio owns the per-symbol balances, positions and trade history
// and keeps them in step with the store and the exchange.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"position_bot/internal/events"
	"position_bot/internal/exchange"
	"position_bot/internal/metrics"
	"position_bot/internal/models"
	"position_bot/internal/store"
	"position_bot/pkg/logger"

	"github.com/shopspring/decimal"
)

const (
	defaultFeeRate     = 0.001
	defaultRecentLimit = 50
	// MinTradeQuantity is the smallest size CalculatePositionSize returns.
	MinTradeQuantity = 0.0001
	// fallbackAllocation is the share of the quote balance used without a risk manager.
	fallbackAllocation = 0.3
)

var (
	ErrDuplicatePosition = errors.New("portfolio: duplicate position id")
	ErrPositionNotFound  = errors.New("portfolio: no matching open position")
	ErrInvalidTradeSide  = errors.New("portfolio: trade side must be buy or sell")
)

type Config struct {
	Symbol         string
	InitialBalance float64
	TestMode       bool
}

// Sizer is the part of the risk manager used for sizing.
type Sizer interface {
	CalculatePositionSize(balance, price float64, riskPerTrade ...float64) float64
}

// Manager is safe for concurrent use. Mutations are staged on copies,
// persisted, and only then committed to memory, so a store failure leaves the
// in-memory state as it was.
type Manager struct {
	symbol   string
	base     string
	quote    string
	testMode bool

	exchange exchange.Client
	store    store.Store
	bus      events.Publisher

	mu           sync.RWMutex
	baseBalance  float64
	quoteBalance float64
	positions    map[string]*models.Position
	order        []string
	trades       []models.Trade
	updatedAt    time.Time
}

func NewManager(cfg Config, ex exchange.Client, st store.Store, bus events.Publisher) (*Manager, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("portfolio: empty symbol")
	}
	base, quote := models.SplitSymbol(cfg.Symbol)
	if quote == "" {
		return nil, fmt.Errorf("portfolio: cannot split symbol %q into base and quote", cfg.Symbol)
	}
	if ex == nil || st == nil || bus == nil {
		return nil, errors.New("portfolio: exchange, store and bus are required")
	}

	return &Manager{
		symbol:       cfg.Symbol,
		base:         base,
		quote:        quote,
		testMode:     cfg.TestMode,
		exchange:     ex,
		store:        st,
		bus:          bus,
		quoteBalance: cfg.InitialBalance,
		positions:    make(map[string]*models.Position),
		updatedAt:    time.Now(),
	}, nil
}

func (m *Manager) Symbol() string { return m.symbol }
func (m *Manager) TestMode() bool { return m.testMode }
func (m *Manager) Currencies() (base, quote string) {
	return m.base, m.quote
}

func (m *Manager) Balances() (base, quote float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseBalance, m.quoteBalance
}

// UpdatePortfolio replaces the balances with the exchange's free amounts. In
// test mode the simulated balances are authoritative and nothing happens.
func (m *Manager) UpdatePortfolio(ctx context.Context) error {
	if m.testMode {
		return nil
	}

	bal, err := m.exchange.GetBalance(ctx)
	if err != nil {
		logger.Error("portfolio: fetch balance: %v", err)
		m.bus.Publish(events.APIError, map[string]any{"operation": "fetch_balance", "error": err.Error()})
		return fmt.Errorf("portfolio.UpdatePortfolio: %w", err)
	}

	m.mu.Lock()
	prevBase, prevQuote := m.baseBalance, m.quoteBalance
	if v, ok := bal.Free[m.base]; ok {
		m.baseBalance = v
	}
	if v, ok := bal.Free[m.quote]; ok {
		m.quoteBalance = v
	}
	m.updatedAt = time.Now()
	baseBal, quoteBal := m.baseBalance, m.quoteBalance
	m.mu.Unlock()

	if baseBal != prevBase || quoteBal != prevQuote {
		m.bus.Publish(events.BalanceChanged, map[string]any{
			m.base:           baseBal,
			m.quote:          quoteBal,
			"previous_base":  prevBase,
			"previous_quote": prevQuote,
		})
	}

	metrics.QuoteBalance.Set(quoteBal)
	logger.Info("portfolio: balances refreshed %s=%v %s=%v", m.base, baseBal, m.quote, quoteBal)

	// the exchange is the source of truth here; a failed history write is not fatal
	if err := m.persistBalances(ctx, baseBal, quoteBal); err != nil {
		m.storeFailed("save_balances", err)
	}

	m.bus.Publish(events.PortfolioUpdated, map[string]any{
		"portfolio":  m.Snapshot(),
		"symbol":     m.symbol,
		"updated_at": time.Now(),
	})
	return nil
}

type tradeOptions struct {
	fee      *float64
	testMode *bool
}

type TradeOption func(*tradeOptions)

// WithFee overrides the default fee of 0.1% of the cost.
func WithFee(fee float64) TradeOption {
	return func(o *tradeOptions) { o.fee = &fee }
}

// WithTestMode overrides the manager's mode for one trade.
func WithTestMode(test bool) TradeOption {
	return func(o *tradeOptions) { o.testMode = &test }
}

// UpdatePortfolioAfterTrade applies a fill to the balances: a buy debits the
// quote by cost plus fee and credits the base, a sell does the inverse.
func (m *Manager) UpdatePortfolioAfterTrade(ctx context.Context, side models.OrderSide, price, quantity float64, opts ...TradeOption) error {
	var o tradeOptions
	for _, opt := range opts {
		opt(&o)
	}
	testMode := m.testMode
	if o.testMode != nil {
		testMode = *o.testMode
	}

	cost := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(quantity))
	fee := cost.Mul(decimal.NewFromFloat(defaultFeeRate))
	if o.fee != nil {
		fee = decimal.NewFromFloat(*o.fee)
	}

	m.mu.RLock()
	baseBal := decimal.NewFromFloat(m.baseBalance)
	quoteBal := decimal.NewFromFloat(m.quoteBalance)
	m.mu.RUnlock()

	qty := decimal.NewFromFloat(quantity)
	switch models.OrderSide(strings.ToLower(string(side))) {
	case models.OrderBuy:
		baseBal = baseBal.Add(qty)
		quoteBal = quoteBal.Sub(cost.Add(fee))
	case models.OrderSell:
		baseBal = baseBal.Sub(qty)
		quoteBal = quoteBal.Add(cost.Sub(fee))
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTradeSide, side)
	}

	newBase, newQuote := baseBal.InexactFloat64(), quoteBal.InexactFloat64()
	if err := m.persistBalances(ctx, newBase, newQuote); err != nil {
		m.storeFailed("save_balances_after_"+string(side), err)
		return fmt.Errorf("portfolio.UpdatePortfolioAfterTrade: %w", err)
	}

	m.mu.Lock()
	m.baseBalance, m.quoteBalance = newBase, newQuote
	m.updatedAt = time.Now()
	m.mu.Unlock()
	metrics.QuoteBalance.Set(newQuote)

	logger.Info("portfolio: %s applied price=%v qty=%v fee=%v", side, price, quantity, fee.InexactFloat64())

	m.bus.Publish(events.TradeExecuted, map[string]any{
		"trade": map[string]any{
			"type":     string(side),
			"price":    price,
			"quantity": quantity,
			"fee":      fee.InexactFloat64(),
			"symbol":   m.symbol,
		},
		"portfolio": m.Snapshot(),
	})

	if !testMode {
		if err := m.UpdatePortfolio(ctx); err != nil {
			logger.Warn("portfolio: refresh after trade: %v", err)
		}
	}
	return nil
}

// AddPosition persists p and starts tracking it.
func (m *Manager) AddPosition(ctx context.Context, p *models.Position) error {
	if p == nil {
		return errors.New("portfolio: nil position")
	}
	if err := models.ValidateSide(p.Side); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: %v", models.ErrInvalidAmount, p.Amount)
	}

	m.mu.RLock()
	_, exists := m.positions[p.ID]
	m.mu.RUnlock()
	if exists {
		logger.Warn("portfolio: position %s already exists", p.ID)
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, p.ID)
	}

	staged := p.Clone()
	if err := m.store.SavePosition(ctx, staged); err != nil {
		m.storeFailed("save_position "+p.ID, err)
		return fmt.Errorf("portfolio.AddPosition: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.positions[staged.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, staged.ID)
	}
	m.positions[staged.ID] = staged
	m.order = append(m.order, staged.ID)
	m.updatedAt = time.Now()
	open := m.openCountLocked()
	m.mu.Unlock()
	metrics.OpenPositions.Set(float64(open))

	logger.Info("portfolio: position added id=%s symbol=%s side=%s amount=%v", staged.ID, staged.Symbol, staged.Side, staged.Amount)
	m.bus.Publish(events.PositionOpened, map[string]any{
		"position":    staged.Clone(),
		"position_id": staged.ID,
	})
	return nil
}

// ExitRequest describes a fill that reduced or closed a position.
type ExitRequest struct {
	Order      *models.Order
	Time       time.Time
	Price      float64
	Quantity   float64
	Percentage float64
	PositionID string
	// ExitInfo carries exit_type, exit_reason and auto_exit.
	ExitInfo map[string]any
	// Fee is the quote fee of the fill; nil estimates 0.1% of the cost.
	Fee      *float64
	FeeAsset string
}

// UpdatePositionAfterExit applies a sell fill to the first open long position,
// restricted to req.PositionID when set. A percentage below 1 is a partial exit
// that reduces the amount; 1 closes the position with pnl on the remaining
// amount. The trade record is written in both cases.
func (m *Manager) UpdatePositionAfterExit(ctx context.Context, req ExitRequest) (*models.Position, error) {
	pos, ok := m.FirstOpenLong(req.PositionID)
	if !ok {
		logger.Warn("portfolio: no open long position for exit (id=%q)", req.PositionID)
		return nil, fmt.Errorf("%w: %q", ErrPositionNotFound, req.PositionID)
	}
	return m.applyExit(ctx, pos, req, models.OrderSell)
}

// ClosePositionByID fully closes the open position id whatever its side. A
// short is covered with a buy.
func (m *Manager) ClosePositionByID(ctx context.Context, id string, req ExitRequest) (*models.Position, error) {
	pos, ok := m.GetPosition(id)
	if !ok || !pos.IsOpen() {
		return nil, fmt.Errorf("%w: %q", ErrPositionNotFound, id)
	}
	req.Percentage = 1
	req.PositionID = id
	if req.Quantity == 0 {
		req.Quantity = pos.Amount
	}

	side := models.OrderSell
	if pos.Side == models.SideShort {
		side = models.OrderBuy
	}
	return m.applyExit(ctx, pos, req, side)
}

// applyExit takes pos as an unshared copy.
func (m *Manager) applyExit(ctx context.Context, pos *models.Position, req ExitRequest, tradeSide models.OrderSide) (*models.Position, error) {
	if req.Time.IsZero() {
		req.Time = time.Now()
	}
	if req.Percentage <= 0 || req.Percentage > 1 {
		return nil, fmt.Errorf("portfolio: exit percentage %v out of (0, 1]", req.Percentage)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("portfolio: exit quantity %v must be positive", req.Quantity)
	}

	exitType, exitReason, autoExit := "manual", "", false
	if req.ExitInfo != nil {
		if v, ok := req.ExitInfo["exit_type"].(string); ok && v != "" {
			exitType = v
		}
		if v, ok := req.ExitInfo["exit_reason"].(string); ok {
			exitReason = v
		}
		if v, ok := req.ExitInfo["auto_exit"].(bool); ok {
			autoExit = v
		}
	}

	profitPct := pos.CalculateUnrealizedPnlPercentage(req.Price)
	orderID := ""
	if req.Order != nil {
		orderID = req.Order.ID
	}

	partial := req.Percentage < 1
	if partial {
		unit := *pos
		unit.Amount = req.Quantity
		pos.AddPartialExit(models.PartialExit{
			Time:       req.Time,
			Price:      req.Price,
			Amount:     req.Quantity,
			Percentage: req.Percentage,
			PnL:        unit.CalculateUnrealizedPnl(req.Price),
			ProfitPct:  profitPct,
			ExitType:   exitType,
			ExitReason: exitReason,
		})
		if pos.Amount <= 0 {
			return nil, fmt.Errorf("portfolio: partial exit of %v consumes position %s", req.Quantity, pos.ID)
		}
	} else {
		pos.ClosePosition(req.Price, req.Time)
	}

	pos.AdditionalInfo["exit_price"] = req.Price
	pos.AdditionalInfo["profit_pct"] = profitPct
	pos.AdditionalInfo["exit_order_id"] = orderID
	if req.ExitInfo != nil {
		pos.AdditionalInfo["exit_type"] = exitType
		pos.AdditionalInfo["exit_reason"] = exitReason
		pos.AdditionalInfo["auto_exit"] = autoExit
		logger.Info("portfolio: %s exit of %s: %s", exitType, pos.ID, exitReason)
	}

	if err := m.store.UpdatePosition(ctx, pos); err != nil {
		m.storeFailed("update_position "+pos.ID, err)
		return nil, fmt.Errorf("portfolio.applyExit: %w", err)
	}
	m.commit(pos)

	if partial {
		logger.Info("portfolio: partial exit %s: %v sold, %v left", pos.ID, req.Quantity, pos.Amount)
		m.bus.Publish(events.PositionUpdated, map[string]any{"position": pos.Clone(), "position_id": pos.ID})
	} else {
		logger.Info("portfolio: position %s closed at %v pnl=%v", pos.ID, req.Price, pos.PnL)
		m.bus.Publish(events.PositionClosed, map[string]any{"position": pos.Clone(), "position_id": pos.ID})
	}

	cost := decimal.NewFromFloat(req.Price).Mul(decimal.NewFromFloat(req.Quantity))
	fee := cost.Mul(decimal.NewFromFloat(defaultFeeRate)).InexactFloat64()
	if req.Fee != nil {
		fee = *req.Fee
	}
	trade := models.Trade{
		Symbol:     m.symbol,
		Side:       tradeSide,
		OrderType:  models.OrderTypeMarket,
		Amount:     req.Quantity,
		Price:      req.Price,
		Cost:       cost.InexactFloat64(),
		Fee:        fee,
		Timestamp:  req.Time,
		PositionID: pos.ID,
		AdditionalInfo: map[string]any{
			"order_id":  orderID,
			"test_mode": m.testMode,
		},
	}
	if req.FeeAsset != "" {
		trade.AdditionalInfo["fee_asset"] = req.FeeAsset
	}
	if err := m.RecordTrade(ctx, trade); err != nil {
		return pos.Clone(), err
	}

	if err := m.SaveState(ctx); err != nil {
		logger.Warn("portfolio: save state after exit: %v", err)
	}
	return pos.Clone(), nil
}

// UpdateProtection persists changed stop levels of an open position.
func (m *Manager) UpdateProtection(ctx context.Context, p *models.Position) error {
	m.mu.RLock()
	cur, ok := m.positions[p.ID]
	open := ok && cur.IsOpen()
	m.mu.RUnlock()
	if !open {
		return fmt.Errorf("%w: %q", ErrPositionNotFound, p.ID)
	}

	staged := p.Clone()
	if err := m.store.UpdatePosition(ctx, staged); err != nil {
		m.storeFailed("update_protection "+p.ID, err)
		return fmt.Errorf("portfolio.UpdateProtection: %w", err)
	}
	m.commit(staged)

	m.bus.Publish(events.PositionUpdated, map[string]any{
		"position_id":         staged.ID,
		"stop_loss":           staged.StopLoss,
		"take_profit":         staged.TakeProfit,
		"trailing_stop_price": staged.TrailingStopPrice,
	})
	return nil
}

// RecordTrade persists t and appends it to the history.
func (m *Manager) RecordTrade(ctx context.Context, t models.Trade) error {
	if t.Symbol == "" {
		t.Symbol = m.symbol
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	if err := m.store.SaveTrade(ctx, &t); err != nil {
		m.storeFailed("save_trade", err)
		return fmt.Errorf("portfolio.RecordTrade: %w", err)
	}

	m.mu.Lock()
	m.trades = append(m.trades, t)
	m.mu.Unlock()
	return nil
}

// GetOpenPositions returns open positions of symbol (the manager's symbol when
// empty). In test mode they come from memory. Live, the exchange is asked
// first and the store is the fallback when it cannot report positions.
func (m *Manager) GetOpenPositions(ctx context.Context, symbol string) ([]*models.Position, error) {
	if symbol == "" {
		symbol = m.symbol
	}

	if m.testMode {
		m.mu.RLock()
		defer m.mu.RUnlock()
		out := make([]*models.Position, 0, len(m.order))
		for _, id := range m.order {
			p := m.positions[id]
			if p.IsOpen() && p.Symbol == symbol {
				out = append(out, p.Clone())
			}
		}
		return out, nil
	}

	records, err := m.exchange.GetPositions(ctx, symbol)
	if err == nil {
		return normalizeExchangePositions(records), nil
	}
	if !errors.Is(err, exchange.ErrNotSupported) {
		logger.Error("portfolio: exchange positions for %s: %v", symbol, err)
	}

	out, err := m.store.GetOpenPositions(ctx, symbol)
	if err != nil {
		logger.Error("portfolio: stored positions for %s: %v", symbol, err)
		return nil, fmt.Errorf("portfolio.GetOpenPositions: %w", err)
	}
	return out, nil
}

func normalizeExchangePositions(records []map[string]any) []*models.Position {
	out := make([]*models.Position, 0, len(records))
	for _, r := range records {
		rec := make(map[string]any, len(r)+2)
		for k, v := range r {
			rec[k] = v
		}
		side := strings.ToLower(fmt.Sprint(rec["side"]))
		rec["side"] = side
		if c, ok := rec["contracts"]; ok {
			n, err := toFloat(c)
			if err != nil || n == 0 {
				continue
			}
			rec["contracts"] = math.Abs(n)
		}
		if _, ok := rec["entry_price"]; !ok {
			rec["entry_price"] = rec["entryPrice"]
		}
		if _, ok := rec["id"]; !ok {
			rec["id"] = fmt.Sprintf("pos_%v_%s", rec["symbol"], side)
		}
		rec["status"] = string(models.StatusOpen)

		p, err := models.NormalizePosition(rec)
		if err != nil {
			logger.Warn("portfolio: skip exchange position %v: %v", r, err)
			continue
		}
		out = append(out, p)
	}
	return out
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// CalculatePositionSize sizes a buy at price from the quote balance, through
// sizer when given and 30% of the balance otherwise. Sizes below
// MinTradeQuantity are reported as 0.
func (m *Manager) CalculatePositionSize(price float64, sizer Sizer) float64 {
	if price <= 0 {
		logger.Warn("portfolio: cannot size at price %v", price)
		return 0
	}
	_, available := m.Balances()

	var qty float64
	if sizer != nil {
		qty = sizer.CalculatePositionSize(available, price)
	} else {
		qty = decimal.NewFromFloat(available).
			Mul(decimal.NewFromFloat(fallbackAllocation)).
			Div(decimal.NewFromFloat(price)).
			Truncate(8).
			InexactFloat64()
	}

	if qty < MinTradeQuantity {
		logger.Warn("portfolio: size %v below minimum %v", qty, MinTradeQuantity)
		return 0
	}
	return qty
}

// Restore reloads open positions and, in test mode, the last saved balances.
func (m *Manager) Restore(ctx context.Context) error {
	open, err := m.store.GetOpenPositions(ctx, m.symbol)
	if err != nil {
		return fmt.Errorf("portfolio.Restore: %w", err)
	}

	var baseBal, quoteBal []float64
	if m.testMode {
		if baseBal, err = m.store.BalanceHistory(ctx, m.base, 1); err != nil {
			return fmt.Errorf("portfolio.Restore: %w", err)
		}
		if quoteBal, err = m.store.BalanceHistory(ctx, m.quote, 1); err != nil {
			return fmt.Errorf("portfolio.Restore: %w", err)
		}
	}

	m.mu.Lock()
	restored := 0
	for _, p := range open {
		if _, ok := m.positions[p.ID]; ok {
			continue
		}
		m.positions[p.ID] = p
		m.order = append(m.order, p.ID)
		restored++
	}
	if len(baseBal) > 0 {
		m.baseBalance = baseBal[0]
	}
	if len(quoteBal) > 0 {
		m.quoteBalance = quoteBal[0]
	}
	count := m.openCountLocked()
	m.mu.Unlock()
	metrics.OpenPositions.Set(float64(count))

	logger.Info("portfolio: restored %d open positions for %s", restored, m.symbol)
	if !m.testMode {
		return m.UpdatePortfolio(ctx)
	}
	return nil
}

// Drift compares the base balance with what the open long positions hold.
type Drift struct {
	BaseBalance float64 `json:"base_balance"`
	LongAmount  float64 `json:"long_amount"`
	Difference  float64 `json:"difference"`
}

func (d Drift) Significant(tolerance float64) bool {
	return math.Abs(d.Difference) > tolerance
}

// Reconcile refreshes balances from the exchange (live only) and reports how
// far the base balance is from the sum of open long amounts.
func (m *Manager) Reconcile(ctx context.Context) (Drift, error) {
	if err := m.UpdatePortfolio(ctx); err != nil {
		return Drift{}, err
	}

	m.mu.RLock()
	d := Drift{BaseBalance: m.baseBalance}
	for _, id := range m.order {
		p := m.positions[id]
		if p.IsOpen() && p.Side == models.SideLong && p.Symbol == m.symbol {
			d.LongAmount += p.Amount
		}
	}
	m.mu.RUnlock()

	d.Difference = decimal.NewFromFloat(d.BaseBalance).Sub(decimal.NewFromFloat(d.LongAmount)).InexactFloat64()
	if d.Significant(MinTradeQuantity) {
		logger.Warn("portfolio: %s balance %v differs from open longs %v by %v", m.base, d.BaseBalance, d.LongAmount, d.Difference)
	}
	return d, nil
}

// Snapshot returns a deep copy of the whole portfolio.
func (m *Manager) Snapshot() models.PortfolioSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	positions := make([]*models.Position, 0, len(m.order))
	for _, id := range m.order {
		positions = append(positions, m.positions[id].Clone())
	}
	return models.PortfolioSnapshot{
		Symbol:        m.symbol,
		BaseCurrency:  m.base,
		QuoteCurrency: m.quote,
		BaseBalance:   m.baseBalance,
		QuoteBalance:  m.quoteBalance,
		Positions:     positions,
		TradeCount:    len(m.trades),
		TestMode:      m.testMode,
		UpdatedAt:     m.updatedAt,
	}
}

// PortfolioStatus is Snapshot with fresh balances (live) and only the open
// positions of the manager's symbol.
func (m *Manager) PortfolioStatus(ctx context.Context) (models.PortfolioSnapshot, error) {
	if err := m.UpdatePortfolio(ctx); err != nil {
		return models.PortfolioSnapshot{}, err
	}
	open, err := m.GetOpenPositions(ctx, m.symbol)
	if err != nil {
		return models.PortfolioSnapshot{}, err
	}
	snap := m.Snapshot()
	snap.Positions = open
	snap.UpdatedAt = time.Now()
	return snap, nil
}

// RecentTrades returns the newest stored trades of the symbol, newest first.
func (m *Manager) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	trades, err := m.store.GetTrades(ctx, m.symbol, limit)
	if err != nil {
		logger.Error("portfolio: recent trades: %v", err)
		return nil, fmt.Errorf("portfolio.RecentTrades: %w", err)
	}
	return trades, nil
}

// SaveState writes both balances to the store.
func (m *Manager) SaveState(ctx context.Context) error {
	baseBal, quoteBal := m.Balances()
	if err := m.persistBalances(ctx, baseBal, quoteBal); err != nil {
		m.storeFailed("save_state", err)
		return fmt.Errorf("portfolio.SaveState: %w", err)
	}
	return nil
}

// GetPosition returns a copy of the tracked position id.
func (m *Manager) GetPosition(id string) (*models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// FirstOpenLong returns a copy of the first open long position in insertion
// order, restricted to id when it is not empty.
func (m *Manager) FirstOpenLong(id string) (*models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pid := range m.order {
		p := m.positions[pid]
		if !p.IsOpen() || p.Side != models.SideLong {
			continue
		}
		if id != "" && p.ID != id {
			continue
		}
		return p.Clone(), true
	}
	return nil, false
}

// OpenPositions is the in-memory open subset in insertion order.
func (m *Manager) OpenPositions() []*models.Position {
	return m.Snapshot().OpenPositions()
}

// RealizedPnLSince sums closed position pnl and partial exit pnl after since.
func (m *Manager) RealizedPnLSince(since time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, id := range m.order {
		p := m.positions[id]
		for _, e := range p.PartialExits {
			if !e.Time.Before(since) {
				total = total.Add(decimal.NewFromFloat(e.PnL))
			}
		}
		if p.Status == models.StatusClosed && !p.ClosedAt.Before(since) {
			total = total.Add(decimal.NewFromFloat(p.PnL))
		}
	}
	return total.InexactFloat64()
}

func (m *Manager) commit(p *models.Position) {
	m.mu.Lock()
	if _, ok := m.positions[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.positions[p.ID] = p.Clone()
	m.updatedAt = time.Now()
	open := m.openCountLocked()
	m.mu.Unlock()
	metrics.OpenPositions.Set(float64(open))
}

func (m *Manager) openCountLocked() int {
	n := 0
	for _, p := range m.positions {
		if p.IsOpen() {
			n++
		}
	}
	return n
}

func (m *Manager) storeFailed(op string, err error) {
	logger.Error("portfolio: %s: %v", op, err)
	m.bus.Publish(events.DatabaseError, map[string]any{"operation": op, "error": err.Error()})
}

func (m *Manager) persistBalances(ctx context.Context, baseBal, quoteBal float64) error {
	if err := m.store.SaveBalance(ctx, m.base, baseBal); err != nil {
		return err
	}
	return m.store.SaveBalance(ctx, m.quote, quoteBal)
}
