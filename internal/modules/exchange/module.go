package exchange

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"position_bot/internal/exchange"
	"position_bot/internal/modules/config"
	"position_bot/internal/modules/health/service"
	"position_bot/pkg/logger"
)

// NewClient builds the configured exchange behind the retry policy and, when
// enabled, the websocket price cache.
func NewClient(lc fx.Lifecycle, cfg *config.Config, state *service.State) (exchange.Client, error) {
	var base exchange.Client
	switch cfg.Exchange.Name {
	case config.ExchangeBinance:
		base = exchange.NewBinance(exchange.BinanceConfig{
			BaseURL:    cfg.Exchange.BaseURL,
			APIKey:     cfg.Exchange.APIKey,
			APISecret:  cfg.Exchange.APISecret,
			Timeout:    cfg.Exchange.Timeout,
			RecvWindow: cfg.Exchange.RecvWindow,
		})
	case config.ExchangePaper:
		paper := exchange.NewPaper(cfg.Exchange.PaperBalances, cfg.Exchange.MinOrderQty)
		if cfg.Exchange.PaperPrice > 0 {
			paper.SetPrice(cfg.Trading.Symbol, cfg.Exchange.PaperPrice)
		}
		base = paper
	default:
		return nil, fmt.Errorf("exchange: unknown exchange %q", cfg.Exchange.Name)
	}

	var client exchange.Client = exchange.WithRetry(base, cfg.Retry)
	logger.Info("exchange: using %s (max_tries=%d)", base.Name(), cfg.Retry.MaxTries)

	if !cfg.Exchange.Stream {
		return client, nil
	}

	stream := exchange.NewTickerStream(cfg.Exchange.StreamURL, cfg.Trading.Symbol, state.SetStreamConnected)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				stream.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
	return exchange.WithTickerStream(client, stream, cfg.Exchange.StreamMaxAge), nil
}

func Module() fx.Option {
	return fx.Module("exchange",
		fx.Provide(
			NewClient,
		),
	)
}
