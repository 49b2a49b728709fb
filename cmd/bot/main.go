package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"position_bot/internal/modules/bootstrap"
	"position_bot/internal/modules/config"
	eventsmodule "position_bot/internal/modules/events"
	exchangemodule "position_bot/internal/modules/exchange"
	"position_bot/internal/modules/health"
	"position_bot/internal/modules/postgres"
	telegram "position_bot/internal/modules/telegram_bot"
	"position_bot/internal/modules/trading"
	"position_bot/internal/store"
	"position_bot/pkg/logger"
	"position_bot/pkg/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "bot",
		Short:        "Single-symbol spot trading bot",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default configs/$CONFIG_FILE or configs/values_local.yaml)")
	flags.String("symbol", "", "trading pair, e.g. BTC/USDT")
	flags.Bool("test-mode", true, "simulate orders instead of sending them")
	flags.Duration("interval", 0, "time between trading cycles")
	_ = v.BindPFlags(flags)

	root.AddCommand(newRunCmd(v), newStatusCmd(v))
	return root
}

func overrides(v *viper.Viper) config.Overrides {
	ov := config.Overrides{
		ConfigFile: v.GetString("config"),
		Symbol:     v.GetString("symbol"),
		Interval:   v.GetDuration("interval"),
	}
	if v.IsSet("test-mode") {
		tm := v.GetBool("test-mode")
		ov.TestMode = &tm
	}
	return ov
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ov := overrides(v)
			cfg, err := config.NewConfig(ov)
			if err != nil {
				return err
			}

			logger.SetServiceName(cfg.Service.Name)
			if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Tracing.Enabled {
				tracing.SetServiceName(cfg.Service.Name)
				_, closer, err := tracing.InitTracer(tracing.Config{Host: cfg.Tracing.Host, Port: cfg.Tracing.Port})
				if err != nil {
					logger.Warn("tracing disabled: %v", err)
				} else {
					defer closer()
				}
			}

			app := fx.New(
				fx.NopLogger,
				fx.Provide(
					func() context.Context {
						return context.Background()
					},
				),
				config.Module(ov),
				postgres.Module(),
				eventsmodule.Module(),
				health.Module(),
				exchangemodule.Module(),
				bootstrap.Module(),
				telegram.Module(),
				trading.Module(),
			)
			app.Run()
			return app.Err()
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print open positions and recent trades from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var out error
			app := fx.New(
				fx.NopLogger,
				fx.Provide(
					func() context.Context {
						return ctx
					},
				),
				config.Module(overrides(v)),
				postgres.Module(),
				fx.Invoke(func(cfg *config.Config, st store.Store) {
					out = printStatus(ctx, cmd, cfg.Trading.Symbol, st, limit)
				}),
			)
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = app.Stop(context.Background()) }()
			return out
		},
	}
	cmd.Flags().IntVar(&limit, "trades", 10, "number of recent trades to show")
	return cmd
}

func printStatus(ctx context.Context, cmd *cobra.Command, symbol string, st store.Store, limit int) error {
	open, err := st.GetOpenPositions(ctx, symbol)
	if err != nil {
		return err
	}
	trades, err := st.GetTrades(ctx, symbol, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Open positions (%s): %d\n", symbol, len(open))
	fmt.Fprintln(w, "ID\tSIDE\tAMOUNT\tENTRY\tSTOP\tTARGET\tOPENED")
	for _, p := range open {
		fmt.Fprintf(w, "%s\t%s\t%.8f\t%.2f\t%.2f\t%.2f\t%s\n",
			p.ID, p.Side, p.Amount, p.EntryPrice, p.StopLoss, p.TakeProfit, p.OpenedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "\nRecent trades: %d\n", len(trades))
	fmt.Fprintln(w, "TIME\tSIDE\tAMOUNT\tPRICE\tCOST\tPOSITION")
	for _, t := range trades {
		fmt.Fprintf(w, "%s\t%s\t%.8f\t%.2f\t%.2f\t%s\n",
			t.Timestamp.Format(time.RFC3339), t.Side, t.Amount, t.Price, t.Cost, t.PositionID)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(open) == 0 && len(trades) == 0 {
		fmt.Fprintln(os.Stderr, "store is empty; set db.dsn to read persisted state")
	}
	return nil
}
