package telegram

import (
	"context"

	"go.uber.org/fx"

	"position_bot/internal/events"
	"position_bot/internal/modules/config"
	"position_bot/internal/notify"
	"position_bot/internal/portfolio"
	"position_bot/pkg/logger"
)

// NewNotifier returns the Telegram notifier when a token and chat are
// configured and the log notifier otherwise.
func NewNotifier(lc fx.Lifecycle, cfg *config.Config, pf *portfolio.Manager) (notify.Notifier, error) {
	if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
		logger.Info("telegram: not configured, notifications go to the log")
		return notify.NewStdout(), nil
	}

	t, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, pf)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return t.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			t.Stop()
			return nil
		},
	})
	return t, nil
}

func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(
			NewNotifier,
			notify.NewRelay,
		),
		// the relay is attached before the engine starts so startup is reported
		fx.Invoke(
			func(lc fx.Lifecycle, r *notify.Relay, bus *events.Bus) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						r.Attach(bus)
						return nil
					},
					OnStop: func(context.Context) error {
						r.Close()
						return nil
					},
				})
			},
		),
	)
}
