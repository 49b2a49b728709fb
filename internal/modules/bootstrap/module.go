package bootstrap

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"

	"position_bot/internal/engine"
	"position_bot/internal/exchange"
	"position_bot/internal/modules/config"
	"position_bot/pkg/logger"
)

const warmupTimeout = 30 * time.Second

// Warmuper primes the engine's indicators from recent exchange candles.
type Warmuper struct {
	src      exchange.CandleSource
	symbol   string
	interval string
	limit    int
}

func NewWarmuper(cfg *config.Config, client exchange.Client) *Warmuper {
	w := &Warmuper{
		symbol:   cfg.Trading.Symbol,
		interval: cfg.Trading.CandleInterval,
		limit:    cfg.Trading.WarmupCandles,
	}
	if src, ok := client.(exchange.CandleSource); ok {
		w.src = src
	}
	return w
}

// Warmup never fails the startup: without candles the strategy warms up live.
func (w *Warmuper) Warmup(ctx context.Context, eng *engine.Engine) {
	if w.src == nil || w.limit <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	closes, err := w.src.RecentCloses(ctx, w.symbol, w.interval, w.limit)
	if errors.Is(err, exchange.ErrNotSupported) {
		logger.Info("bootstrap: exchange has no candles, warming up live")
		return
	}
	if err != nil {
		logger.Warn("bootstrap: warmup %s: %v", w.symbol, err)
		return
	}
	eng.Warmup(closes)
}

func Module() fx.Option {
	return fx.Module("bootstrap",
		fx.Provide(
			NewWarmuper,
		),
	)
}
