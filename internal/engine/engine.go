// Package engine runs the trading cycle: protective exits first, then the
// strategy signal, for one symbol on a fixed interval.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"position_bot/internal/events"
	"position_bot/internal/executor"
	"position_bot/internal/metrics"
	"position_bot/internal/models"
	"position_bot/internal/portfolio"
	"position_bot/internal/risk"
	"position_bot/internal/store"
	"position_bot/internal/strategy"
	"position_bot/pkg/logger"
	"position_bot/pkg/tracing"
)

const (
	partialTPExitType = "partial_tp"
	priceHistory      = 256
)

var ErrAlreadyRunning = errors.New("engine: already running")

type Config struct {
	Symbol         string        `yaml:"symbol"`
	TestMode       bool          `yaml:"test_mode"`
	Interval       time.Duration `yaml:"interval"`
	ErrorBackoff   time.Duration `yaml:"error_backoff"`
	InitialBalance float64       `yaml:"initial_balance"`

	// AutoSLTP attaches stop loss and take profit to every new position and
	// applies the configured levels to positions that have none.
	AutoSLTP        bool    `yaml:"auto_sl_tp"`
	TrailingStop    bool    `yaml:"trailing_stop"`
	TrailingStopPct float64 `yaml:"trailing_stop_pct"`

	PartialTPEnabled    bool    `yaml:"partial_tp_enabled"`
	PartialTPTriggerPct float64 `yaml:"partial_tp_trigger_pct"`
	PartialTPFraction   float64 `yaml:"partial_tp_fraction"`

	// VolatilityWindow > 1 scales risk per trade by recent volatility.
	VolatilityWindow int `yaml:"volatility_window"`

	// WarmupCandles closes of CandleInterval are fed to the strategy before
	// the first cycle when the exchange can serve them.
	WarmupCandles  int    `yaml:"warmup_candles"`
	CandleInterval string `yaml:"candle_interval"`
}

func DefaultConfig() Config {
	return Config{
		Symbol:              "BTC/USDT",
		TestMode:            true,
		Interval:            time.Minute,
		ErrorBackoff:        10 * time.Second,
		InitialBalance:      10000,
		AutoSLTP:            true,
		TrailingStopPct:     0.02,
		PartialTPTriggerPct: 0.05,
		PartialTPFraction:   0.5,
		WarmupCandles:       100,
		CandleInterval:      "1m",
	}
}

// Engine is driven by a single goroutine. Stop takes effect between cycles.
type Engine struct {
	cfg      Config
	exchange string

	pf    *portfolio.Manager
	exec  *executor.Executor
	risk  *risk.Manager
	strat strategy.Strategy
	store store.Store
	bus   events.Publisher

	running atomic.Bool
	mu      sync.Mutex
	stopCh  chan struct{}

	lastSignal models.SignalSide
	prices     []float64
	lastCycle  atomic.Int64

	onCycle func(time.Time)
}

type Deps struct {
	Exchange  string
	Portfolio *portfolio.Manager
	Executor  *executor.Executor
	Risk      *risk.Manager
	Strategy  strategy.Strategy
	Store     store.Store
	Bus       events.Publisher
	// OnCycle is called after every completed cycle.
	OnCycle func(time.Time)
}

func New(cfg Config, d Deps) (*Engine, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 10 * time.Second
	}
	if cfg.PartialTPEnabled && (cfg.PartialTPFraction <= 0 || cfg.PartialTPFraction >= 1 || cfg.PartialTPTriggerPct <= 0) {
		return nil, fmt.Errorf("engine: partial take profit needs trigger > 0 and fraction in (0, 1), got %v/%v",
			cfg.PartialTPTriggerPct, cfg.PartialTPFraction)
	}
	if d.Portfolio == nil || d.Executor == nil || d.Risk == nil || d.Strategy == nil || d.Store == nil || d.Bus == nil {
		return nil, errors.New("engine: missing dependency")
	}
	onCycle := d.OnCycle
	if onCycle == nil {
		onCycle = func(time.Time) {}
	}
	return &Engine{
		cfg:      cfg,
		exchange: d.Exchange,
		pf:       d.Portfolio,
		exec:     d.Executor,
		risk:     d.Risk,
		strat:    d.Strategy,
		store:    d.Store,
		bus:      d.Bus,
		onCycle:  onCycle,
	}, nil
}

func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) LastSignal() models.SignalSide {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSignal
}

// LastCycle is the end time of the last completed cycle, zero before the first.
func (e *Engine) LastCycle() time.Time {
	if v := e.lastCycle.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

// Start runs cycles until Stop is called or ctx ends. A failed or panicking
// cycle is logged and followed by the error backoff instead of the interval.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	stop := make(chan struct{})
	e.mu.Lock()
	e.stopCh = stop
	e.mu.Unlock()
	defer e.running.Store(false)

	logger.Info("engine: starting %s every %s (test_mode=%v)", e.cfg.Symbol, e.cfg.Interval, e.cfg.TestMode)
	e.bus.Publish(events.SystemStartup, map[string]any{"symbol": e.cfg.Symbol, "test_mode": e.cfg.TestMode})
	if err := e.pf.UpdatePortfolio(ctx); err != nil {
		logger.Warn("engine: initial portfolio refresh: %v", err)
	}

	defer func() {
		if err := e.SaveState(context.WithoutCancel(ctx)); err != nil {
			logger.Error("engine: save state on stop: %v", err)
		}
		e.bus.Publish(events.SystemShutdown, map[string]any{"symbol": e.cfg.Symbol})
		logger.Info("engine: stopped %s", e.cfg.Symbol)
	}()

	for e.running.Load() {
		wait := e.cfg.Interval
		if err := e.safeCycle(ctx); err != nil {
			logger.Error("engine: cycle: %v", err)
			wait = e.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-time.After(wait):
		}
	}
	return nil
}

// Stop ends Start after the current cycle. It is safe to call more than once.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.mu.Lock()
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.mu.Unlock()
}

func (e *Engine) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: cycle panicked: %v", r)
		}
		if err != nil {
			metrics.CycleErrors.Inc()
		}
	}()
	return e.RunCycle(ctx)
}

// RunCycle runs one decision cycle at the current price.
func (e *Engine) RunCycle(ctx context.Context) (err error) {
	span, ctx := tracing.StartSpan(ctx, "engine.RunCycle", map[string]any{"symbol": e.cfg.Symbol})
	started := time.Now()
	defer func() {
		tracing.Fail(span, err)
		span.Finish()
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	price, err := e.exec.GetCurrentPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	e.recordPrice(price)
	sig := e.strat.OnPrice(e.cfg.Symbol, price)
	logger.Debug("engine: %s price=%v %s", e.cfg.Symbol, price, e.strat.Dump(e.cfg.Symbol))

	exited, errs := e.manageOpenPositions(ctx, price)

	// a cycle that exited automatically does not also act on the signal
	if !exited {
		if err := e.handleSignal(ctx, price, sig); err != nil {
			errs = append(errs, err)
		}
	}

	now := time.Now()
	e.lastCycle.Store(now.UnixNano())
	e.onCycle(now)
	return errors.Join(errs...)
}

// manageOpenPositions moves trailing stops, closes breached positions and
// takes partial profit. exited reports whether any order was placed.
func (e *Engine) manageOpenPositions(ctx context.Context, price float64) (exited bool, errs []error) {
	var unprotected []*models.Position

	for _, p := range e.pf.OpenPositions() {
		if p.Symbol != e.cfg.Symbol {
			continue
		}

		if p.UpdateTrailingStop(price) {
			logger.Info("engine: trailing stop of %s moved to %v", p.ID, p.TrailingStopPrice)
			if err := e.pf.UpdateProtection(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}

		if ok, reason := p.ShouldClosePosition(price); ok {
			exited = true
			if err := e.autoClose(ctx, p, price, reason); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if p.StopLoss == 0 && p.TakeProfit == 0 && !p.TrailingStop {
			unprotected = append(unprotected, p)
		}

		if e.shouldTakePartialProfit(p, price) {
			exited = true
			if err := e.takePartialProfit(ctx, p, price); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// positions restored without levels fall back to the configured percentages
	if e.cfg.AutoSLTP && len(unprotected) > 0 {
		stops, targets := e.risk.CheckStopLossTakeProfit(price, unprotected)
		for _, p := range stops {
			exited = true
			if err := e.autoClose(ctx, p, price, models.ReasonStopLoss); err != nil {
				errs = append(errs, err)
			}
		}
		for _, p := range targets {
			exited = true
			if err := e.autoClose(ctx, p, price, models.ReasonTakeProfit); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return exited, errs
}

func (e *Engine) autoClose(ctx context.Context, p *models.Position, price float64, reason string) error {
	t := events.StopLossTriggered
	if reason == models.ReasonTakeProfit {
		t = events.TakeProfitTriggered
	}
	e.bus.Publish(t, map[string]any{
		"position_id": p.ID,
		"side":        string(p.Side),
		"price":       price,
		"reason":      reason,
		"pnl":         p.CalculateUnrealizedPnl(price),
	})
	logger.Info("engine: %s for %s at %v", reason, p.ID, price)

	if _, err := e.exec.ClosePosition(ctx, p.ID, executor.CloseRequest{Reason: reason}); err != nil {
		return fmt.Errorf("engine: auto close %s: %w", p.ID, err)
	}
	return nil
}

func (e *Engine) shouldTakePartialProfit(p *models.Position, price float64) bool {
	if !e.cfg.PartialTPEnabled || p.Side != models.SideLong {
		return false
	}
	for _, x := range p.PartialExits {
		if x.ExitType == partialTPExitType {
			return false
		}
	}
	return p.CalculateUnrealizedPnlPercentage(price) >= e.cfg.PartialTPTriggerPct*100
}

func (e *Engine) takePartialProfit(ctx context.Context, p *models.Position, price float64) error {
	reason := fmt.Sprintf("partial take profit at %.2f%%", p.CalculateUnrealizedPnlPercentage(price))
	_, err := e.exec.ExecuteSell(ctx, executor.SellRequest{
		Price:      price,
		Quantity:   p.Amount,
		Percentage: e.cfg.PartialTPFraction,
		PositionID: p.ID,
		ExitInfo: map[string]any{
			"exit_type":   partialTPExitType,
			"exit_reason": reason,
			"auto_exit":   true,
		},
	})
	if err != nil {
		if errors.Is(err, executor.ErrBelowMinQuantity) {
			logger.Warn("engine: %s skipped for %s: %v", reason, p.ID, err)
			return nil
		}
		return fmt.Errorf("engine: partial take profit %s: %w", p.ID, err)
	}
	e.bus.Publish(events.TakeProfitTriggered, map[string]any{
		"position_id": p.ID,
		"price":       price,
		"reason":      reason,
		"percentage":  e.cfg.PartialTPFraction,
	})
	return nil
}

// handleSignal acts only when the signal differs from the previous one.
func (e *Engine) handleSignal(ctx context.Context, price float64, sig models.Signal) error {
	e.mu.Lock()
	prev := e.lastSignal
	changed := sig.Side != prev
	if changed {
		e.lastSignal = sig.Side
	}
	e.mu.Unlock()
	if !changed {
		return nil
	}

	logger.Info("engine: signal %q -> %q %s", prev, sig.Side, sig.Reason)
	if err := e.saveBotState(ctx); err != nil {
		logger.Warn("engine: save bot state: %v", err)
	}

	switch sig.Side {
	case models.SignalBuy:
		metrics.Decisions.WithLabelValues(string(sig.Side)).Inc()
		return e.openLong(ctx, price, sig)
	case models.SignalSell:
		metrics.Decisions.WithLabelValues(string(sig.Side)).Inc()
		return e.closeLongs(ctx, price, sig)
	}
	return nil
}

func (e *Engine) openLong(ctx context.Context, price float64, sig models.Signal) error {
	open := e.pf.OpenPositions()
	if len(open) > 0 {
		logger.Info("engine: buy signal ignored, %d position(s) already open", len(open))
		return nil
	}
	if !e.risk.CanOpen(len(open)) {
		logger.Warn("engine: buy signal ignored, position limit reached")
		return nil
	}
	if exceeded, warnings := e.risk.CheckRiskLimits(e.account(), price); exceeded {
		logger.Warn("engine: buy signal ignored, risk limits: %v", warnings)
		e.bus.Publish(events.TradingError, map[string]any{
			"operation": "open_long",
			"symbol":    e.cfg.Symbol,
			"warnings":  warnings,
		})
		return nil
	}

	qty := e.pf.CalculatePositionSize(price, e.sizer())
	if qty <= 0 {
		logger.Warn("engine: buy signal ignored, size is zero at %v", price)
		return nil
	}

	var prot executor.Protection
	if e.cfg.AutoSLTP {
		prot.StopLoss = e.risk.CalculateStopLossPrice(price, models.SideLong)
		prot.TakeProfit = e.risk.CalculateTakeProfitPrice(price, models.SideLong)
	}
	if e.cfg.TrailingStop && e.cfg.TrailingStopPct > 0 {
		prot.Trailing = true
		prot.TrailingDistance = price * e.cfg.TrailingStopPct
	}

	_, err := e.exec.ExecuteBuy(ctx, executor.BuyRequest{
		Price:    price,
		Quantity: qty,
		AdditionalInfo: map[string]any{
			"strategy":      string(sig.Strategy),
			"signal_reason": sig.Reason,
		},
		Protection: prot,
	})
	if err != nil {
		return fmt.Errorf("engine: open long: %w", err)
	}
	return nil
}

func (e *Engine) closeLongs(ctx context.Context, price float64, sig models.Signal) error {
	var errs []error
	n := 0
	for _, p := range e.pf.OpenPositions() {
		if p.Side != models.SideLong || p.Symbol != e.cfg.Symbol {
			continue
		}
		n++
		_, err := e.exec.ExecuteSell(ctx, executor.SellRequest{
			Price:      price,
			Quantity:   p.Amount,
			PositionID: p.ID,
			ExitInfo: map[string]any{
				"exit_type":   "signal",
				"exit_reason": sig.Reason,
				"auto_exit":   false,
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("engine: close %s: %w", p.ID, err))
		}
	}
	if n == 0 {
		logger.Info("engine: sell signal ignored, no open long")
	}
	return errors.Join(errs...)
}

func (e *Engine) account() risk.Account {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return risk.Account{
		InitialBalance: e.cfg.InitialBalance,
		DailyPnL:       e.pf.RealizedPnLSince(dayStart),
		Portfolio:      e.pf.Snapshot(),
	}
}

// volatilitySizer sizes with a risk per trade adjusted to recent volatility.
type volatilitySizer struct {
	rm   *risk.Manager
	risk float64
}

func (v volatilitySizer) CalculatePositionSize(balance, price float64, _ ...float64) float64 {
	return v.rm.CalculatePositionSize(balance, price, v.risk)
}

func (e *Engine) sizer() portfolio.Sizer {
	if e.cfg.VolatilityWindow < 2 {
		return e.risk
	}
	e.mu.Lock()
	vol, ok := risk.Volatility(e.prices, e.cfg.VolatilityWindow)
	e.mu.Unlock()
	if !ok {
		return e.risk
	}
	adjusted := e.risk.AdjustRiskForVolatility(vol, e.risk.Config().RiskPerTrade)
	logger.Debug("engine: volatility %.4f, risk per trade %.4f", vol, adjusted)
	return volatilitySizer{rm: e.risk, risk: adjusted}
}

func (e *Engine) recordPrice(price float64) {
	e.mu.Lock()
	e.prices = append(e.prices, price)
	if len(e.prices) > priceHistory {
		e.prices = e.prices[len(e.prices)-priceHistory:]
	}
	e.mu.Unlock()
}

// Warmup feeds historical closes to the strategy and the volatility window
// without acting on the signals they produce.
func (e *Engine) Warmup(closes []float64) {
	for _, px := range closes {
		if px <= 0 {
			continue
		}
		e.recordPrice(px)
		e.strat.OnPrice(e.cfg.Symbol, px)
	}
	logger.Info("engine: warmed up %s with %d closes, ready=%v %s",
		e.cfg.Symbol, len(closes), e.strat.Ready(e.cfg.Symbol), e.strat.Dump(e.cfg.Symbol))
}

// RestoreState reloads open positions and the last signal after a restart.
func (e *Engine) RestoreState(ctx context.Context) error {
	if err := e.pf.Restore(ctx); err != nil {
		return fmt.Errorf("engine: restore portfolio: %w", err)
	}

	st, err := e.store.LoadBotState(ctx, e.cfg.Symbol)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("engine: no saved state for %s", e.cfg.Symbol)
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: load bot state: %w", err)
	}
	if st.TestMode != e.cfg.TestMode {
		logger.Warn("engine: saved state for %s was test_mode=%v, running with %v", e.cfg.Symbol, st.TestMode, e.cfg.TestMode)
	}

	e.mu.Lock()
	e.lastSignal = st.LastSignal
	e.mu.Unlock()
	logger.Info("engine: restored %s last_signal=%q was_running=%v", e.cfg.Symbol, st.LastSignal, st.Running)
	return nil
}

// SaveState persists the bot state and the balances.
func (e *Engine) SaveState(ctx context.Context) error {
	return errors.Join(e.saveBotState(ctx), e.pf.SaveState(ctx))
}

func (e *Engine) saveBotState(ctx context.Context) error {
	return e.store.SaveBotState(ctx, models.BotState{
		Symbol:     e.cfg.Symbol,
		Exchange:   e.exchange,
		TestMode:   e.cfg.TestMode,
		Running:    e.running.Load(),
		LastSignal: e.LastSignal(),
		Parameters: map[string]any{
			"interval":           e.cfg.Interval.String(),
			"auto_sl_tp":         e.cfg.AutoSLTP,
			"trailing_stop":      e.cfg.TrailingStop,
			"partial_tp_enabled": e.cfg.PartialTPEnabled,
			"strategy":           string(e.strat.Name()),
		},
		UpdatedAt: time.Now(),
	})
}
