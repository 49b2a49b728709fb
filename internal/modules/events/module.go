package events

import (
	"context"

	"go.uber.org/fx"

	"position_bot/internal/events"
	"position_bot/internal/modules/config"
	"position_bot/pkg/logger"
)

// AttachRedis mirrors the bus to Redis Pub/Sub when an address is configured.
func AttachRedis(ctx context.Context, lc fx.Lifecycle, cfg *config.Config, bus *events.Bus) error {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb, err := events.DialRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	relay := events.NewRedisRelay(rdb, cfg.Redis.Channel)

	relayCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			relay.Attach(relayCtx, bus)
			logger.Info("events: relaying to redis %s channel %s", cfg.Redis.Addr, cfg.Redis.Channel)
			return nil
		},
		OnStop: func(context.Context) error {
			relay.Close()
			cancel()
			return rdb.Close()
		},
	})
	return nil
}

func Module() fx.Option {
	return fx.Module("events",
		fx.Provide(
			events.NewBus,
			func(b *events.Bus) events.Publisher { return b },
		),
		fx.Invoke(AttachRedis),
	)
}
