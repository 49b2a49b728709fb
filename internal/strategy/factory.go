package strategy

import (
	"fmt"

	"position_bot/internal/models"
)

// New builds the configured strategy. An empty name means EMA/RSI.
func New(cfg Config) (Strategy, error) {
	switch cfg.Name {
	case models.StrategyEMARSI, "":
		if cfg.EMAShort <= 0 || cfg.EMALong <= 0 || cfg.RSIPeriod <= 0 {
			return nil, fmt.Errorf("strategy: periods must be positive: %+v", cfg)
		}
		if cfg.EMAShort >= cfg.EMALong {
			return nil, fmt.Errorf("strategy: ema_short %d must be below ema_long %d", cfg.EMAShort, cfg.EMALong)
		}
		if cfg.RSIOversold >= cfg.RSIOverbought {
			return nil, fmt.Errorf("strategy: rsi_oversold %v must be below rsi_overbought %v", cfg.RSIOversold, cfg.RSIOverbought)
		}
		return NewEMARSI(cfg), nil
	default:
		return nil, fmt.Errorf("strategy: unknown strategy %q", cfg.Name)
	}
}
