// Package strategy turns a price stream into BUY/SELL signals for the engine.
package strategy

import "position_bot/internal/models"

// Strategy is fed one price per cycle. OnPrice returns the signal the current
// state implies, SignalNone while warming up or when no rule matches. The
// caller decides what a repeated signal means.
type Strategy interface {
	Name() models.StrategyType
	OnPrice(symbol string, price float64) models.Signal
	Ready(symbol string) bool
	Dump(symbol string) string
}

type Config struct {
	Name          models.StrategyType `yaml:"name"`
	EMAShort      int                 `yaml:"ema_short"`
	EMALong       int                 `yaml:"ema_long"`
	RSIPeriod     int                 `yaml:"rsi_period"`
	RSIOverbought float64             `yaml:"rsi_overbought"`
	RSIOversold   float64             `yaml:"rsi_oversold"`
}

func DefaultConfig() Config {
	return Config{
		Name:          models.StrategyEMARSI,
		EMAShort:      9,
		EMALong:       26,
		RSIPeriod:     14,
		RSIOverbought: 70,
		RSIOversold:   30,
	}
}
