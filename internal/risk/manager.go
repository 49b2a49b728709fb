// Package risk holds the pure position sizing and protection math.
package risk

import (
	"errors"
	"fmt"
	"math"

	"position_bot/internal/models"
	"position_bot/pkg/logger"

	"github.com/shopspring/decimal"
)

// quantityPlaces and pricePlaces bound the precision of sizes and levels.
const (
	quantityPlaces = 8
	pricePlaces    = 8
)

// Config is immutable after NewManager. Fractions are in [0, 1].
type Config struct {
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	MaxPositionSize float64 `yaml:"max_position_size"`
	RiskPerTrade    float64 `yaml:"risk_per_trade"`

	// zero disables the corresponding limit
	DailyLossLimit float64 `yaml:"daily_loss_limit"`
	MaxLossLimit   float64 `yaml:"max_loss_limit"`
	MaxPositions   int     `yaml:"max_positions"`

	BaseVolatility  float64 `yaml:"base_volatility"`
	MinRiskPerTrade float64 `yaml:"min_risk_per_trade"`
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"`
}

func DefaultConfig() Config {
	return Config{
		StopLossPct:     0.05,
		TakeProfitPct:   0.1,
		MaxPositionSize: 0.2,
		RiskPerTrade:    0.01,
		BaseVolatility:  0.2,
		MinRiskPerTrade: 0.001,
		MaxRiskPerTrade: 0.02,
	}
}

var ErrInvalidConfig = errors.New("invalid risk config")

func (c Config) Validate() error {
	fractions := map[string]float64{
		"stop_loss_pct":     c.StopLossPct,
		"take_profit_pct":   c.TakeProfitPct,
		"max_position_size": c.MaxPositionSize,
		"risk_per_trade":    c.RiskPerTrade,
		"daily_loss_limit":  c.DailyLossLimit,
		"max_loss_limit":    c.MaxLossLimit,
	}
	for name, v := range fractions {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v out of [0,1]", ErrInvalidConfig, name, v)
		}
	}
	if c.StopLossPct == 0 {
		return fmt.Errorf("%w: stop_loss_pct must be > 0", ErrInvalidConfig)
	}
	if c.MaxPositions < 0 {
		return fmt.Errorf("%w: max_positions=%d", ErrInvalidConfig, c.MaxPositions)
	}
	return nil
}

type Manager struct {
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

func (m *Manager) Config() Config { return m.cfg }

// CalculatePositionSize sizes a position so that hitting the stop loses at most
// risk_per_trade of balance, capped at max_position_size of balance. The result
// is truncated, never rounded up, so the cap always holds. An optional
// riskPerTrade overrides the configured value.
func (m *Manager) CalculatePositionSize(balance, price float64, riskPerTrade ...float64) float64 {
	if balance <= 0 || price <= 0 {
		return 0
	}
	r := m.cfg.RiskPerTrade
	if len(riskPerTrade) > 0 && riskPerTrade[0] > 0 {
		r = riskPerTrade[0]
	}

	bal := decimal.NewFromFloat(balance)
	px := decimal.NewFromFloat(price)

	riskAmount := bal.Mul(decimal.NewFromFloat(r))
	size := riskAmount.Div(px.Mul(decimal.NewFromFloat(m.cfg.StopLossPct)))
	maxSize := bal.Mul(decimal.NewFromFloat(m.cfg.MaxPositionSize)).Div(px)
	if size.GreaterThan(maxSize) {
		size = maxSize
	}

	out := size.Truncate(quantityPlaces).InexactFloat64()
	logger.Debug("position size: balance=%.8f price=%.8f risk=%.4f size=%.8f", balance, price, r, out)
	return out
}

// CalculateStopLossPrice returns 0 for an unknown side.
func (m *Manager) CalculateStopLossPrice(entry float64, side models.PositionSide, customPct ...float64) float64 {
	pct := m.cfg.StopLossPct
	if len(customPct) > 0 && customPct[0] > 0 {
		pct = customPct[0]
	}
	switch side {
	case models.SideLong:
		return roundPrice(entry * (1 - pct))
	case models.SideShort:
		return roundPrice(entry * (1 + pct))
	}
	return 0
}

func (m *Manager) CalculateTakeProfitPrice(entry float64, side models.PositionSide, customPct ...float64) float64 {
	pct := m.cfg.TakeProfitPct
	if len(customPct) > 0 && customPct[0] > 0 {
		pct = customPct[0]
	}
	switch side {
	case models.SideLong:
		return roundPrice(entry * (1 + pct))
	case models.SideShort:
		return roundPrice(entry * (1 - pct))
	}
	return 0
}

// CalculateRiskRewardRatio is |target-entry| / |entry-stop|, and 0 when the
// stop equals the entry.
func CalculateRiskRewardRatio(entry, stop, target float64) float64 {
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return 0
	}
	return math.Abs(target-entry) / risk
}

func (m *Manager) CalculateRiskRewardRatio(entry, stop, target float64) float64 {
	return CalculateRiskRewardRatio(entry, stop, target)
}

// CheckStopLossTakeProfit splits open positions into those whose configured
// stop and those whose configured target is breached at price.
func (m *Manager) CheckStopLossTakeProfit(price float64, positions []*models.Position) (stopLoss, takeProfit []*models.Position) {
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		sl := m.CalculateStopLossPrice(p.EntryPrice, p.Side)
		tp := m.CalculateTakeProfitPrice(p.EntryPrice, p.Side)

		switch p.Side {
		case models.SideLong:
			if price <= sl {
				stopLoss = append(stopLoss, p)
			} else if price >= tp {
				takeProfit = append(takeProfit, p)
			}
		case models.SideShort:
			if price >= sl {
				stopLoss = append(stopLoss, p)
			} else if price <= tp {
				takeProfit = append(takeProfit, p)
			}
		}
	}
	return stopLoss, takeProfit
}

func roundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(pricePlaces).InexactFloat64()
}
