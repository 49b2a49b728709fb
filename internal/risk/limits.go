package risk

import (
	"fmt"
	"math"

	"position_bot/internal/models"
	"position_bot/pkg/logger"
)

// Account is the input to CheckRiskLimits.
type Account struct {
	InitialBalance float64
	DailyPnL       float64
	Portfolio      models.PortfolioSnapshot
}

// CheckRiskLimits evaluates the configured loss, position count and position
// size limits and returns whether any was exceeded with one warning per breach.
func (m *Manager) CheckRiskLimits(acc Account, price float64) (bool, []string) {
	var warnings []string
	open := acc.Portfolio.OpenPositions()

	if m.cfg.DailyLossLimit > 0 && acc.InitialBalance > 0 {
		limit := acc.InitialBalance * m.cfg.DailyLossLimit
		if acc.DailyPnL < -limit {
			warnings = append(warnings, fmt.Sprintf("daily loss limit exceeded: pnl=%.2f limit=%.2f", acc.DailyPnL, limit))
		}
	}

	if m.cfg.MaxLossLimit > 0 && acc.InitialBalance > 0 {
		equity := acc.Portfolio.QuoteBalance + acc.Portfolio.BaseBalance*price
		loss := equity - acc.InitialBalance
		limit := acc.InitialBalance * m.cfg.MaxLossLimit
		if loss < -limit {
			warnings = append(warnings, fmt.Sprintf("max loss limit exceeded: pnl=%.2f limit=%.2f", loss, limit))
		}
	}

	if m.cfg.MaxPositions > 0 && len(open) > m.cfg.MaxPositions {
		warnings = append(warnings, fmt.Sprintf("max positions exceeded: open=%d limit=%d", len(open), m.cfg.MaxPositions))
	}

	if m.cfg.MaxPositionSize > 0 {
		limit := acc.Portfolio.QuoteBalance * m.cfg.MaxPositionSize
		for _, p := range open {
			if value := p.CalculateCurrentValue(price); value > limit {
				warnings = append(warnings, fmt.Sprintf("max position size exceeded: id=%s value=%.2f limit=%.2f", p.ID, value, limit))
			}
		}
	}

	for _, w := range warnings {
		logger.Warn("risk: %s", w)
	}
	return len(warnings) > 0, warnings
}

// CanOpen reports whether one more position fits the position count limit.
func (m *Manager) CanOpen(openCount int) bool {
	return m.cfg.MaxPositions == 0 || openCount < m.cfg.MaxPositions
}

// KellyCriterion returns half of the Kelly fraction, or 0 when the inputs are
// out of range or the edge is negative.
func KellyCriterion(winRate, winLossRatio float64) float64 {
	if winRate <= 0 || winRate >= 1 || winLossRatio <= 0 {
		return 0
	}
	k := (winRate*winLossRatio - (1 - winRate)) / winLossRatio
	if k < 0 {
		return 0
	}
	return k / 2
}

// MaxDrawdown returns the largest peak-to-trough decline as a fraction of the
// peak, with the indices of that peak and trough.
func MaxDrawdown(history []float64) (ratio float64, start, end int) {
	if len(history) == 0 {
		return 0, 0, 0
	}
	peak, peakIdx := history[0], 0
	for i, v := range history {
		if v > peak {
			peak, peakIdx = v, i
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > ratio {
			ratio, start, end = dd, peakIdx, i
		}
	}
	return ratio, start, end
}

// Volatility is the annualized standard deviation of simple returns over the
// last window prices. ok is false when there is not enough history.
func Volatility(prices []float64, window int) (vol float64, ok bool) {
	if window < 2 || len(prices) < window {
		return 0, false
	}
	recent := prices[len(prices)-window:]
	returns := make([]float64, 0, window-1)
	for i := 1; i < len(recent); i++ {
		if recent[i-1] == 0 {
			return 0, false
		}
		returns = append(returns, recent[i]/recent[i-1]-1)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * math.Sqrt(252), true
}

// AdjustRiskForVolatility scales base risk down as volatility rises above the
// configured base volatility, clamped to [MinRiskPerTrade, MaxRiskPerTrade].
func (m *Manager) AdjustRiskForVolatility(volatility, base float64) float64 {
	if volatility <= 0 || m.cfg.BaseVolatility <= 0 {
		return base
	}
	adjusted := base / (volatility / m.cfg.BaseVolatility)
	if m.cfg.MaxRiskPerTrade > 0 {
		adjusted = math.Min(adjusted, m.cfg.MaxRiskPerTrade)
	}
	return math.Max(adjusted, m.cfg.MinRiskPerTrade)
}
