package trading

import (
	"context"
	"errors"

	"go.uber.org/fx"

	"position_bot/internal/engine"
	"position_bot/internal/events"
	"position_bot/internal/exchange"
	"position_bot/internal/executor"
	"position_bot/internal/modules/bootstrap"
	"position_bot/internal/modules/config"
	"position_bot/internal/modules/health"
	"position_bot/internal/modules/health/service"
	"position_bot/internal/portfolio"
	"position_bot/internal/risk"
	"position_bot/internal/store"
	"position_bot/internal/strategy"
	"position_bot/pkg/logger"
)

func NewPortfolio(cfg *config.Config, ex exchange.Client, st store.Store, bus events.Publisher) (*portfolio.Manager, error) {
	return portfolio.NewManager(portfolio.Config{
		Symbol:         cfg.Trading.Symbol,
		InitialBalance: cfg.Trading.InitialBalance,
		TestMode:       cfg.Trading.TestMode,
	}, ex, st, bus)
}

func NewExecutor(cfg *config.Config, ex exchange.Client, pf *portfolio.Manager, bus events.Publisher) *executor.Executor {
	return executor.New(executor.Config{
		Symbol:      cfg.Trading.Symbol,
		TestMode:    cfg.Trading.TestMode,
		MinOrderQty: cfg.Exchange.MinOrderQty,
	}, ex, pf, bus)
}

type engineParams struct {
	fx.In

	Config    *config.Config
	Exchange  exchange.Client
	Portfolio *portfolio.Manager
	Executor  *executor.Executor
	Risk      *risk.Manager
	Strategy  strategy.Strategy
	Store     store.Store
	Bus       events.Publisher
	State     *service.State
}

func NewEngine(p engineParams) (*engine.Engine, error) {
	return engine.New(p.Config.Trading, engine.Deps{
		Exchange:  p.Exchange.Name(),
		Portfolio: p.Portfolio,
		Executor:  p.Executor,
		Risk:      p.Risk,
		Strategy:  p.Strategy,
		Store:     p.Store,
		Bus:       p.Bus,
		OnCycle:   p.State.TouchCycle,
	})
}

// Run restores state and drives the engine in its own goroutine until stop.
func Run(lc fx.Lifecycle, eng *engine.Engine, pf *portfolio.Manager, wu *bootstrap.Warmuper, cfg *config.Config, state *service.State) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := eng.RestoreState(startCtx); err != nil {
				return err
			}
			if !cfg.Trading.TestMode {
				if _, err := pf.Reconcile(startCtx); err != nil {
					logger.Warn("trading: reconcile: %v", err)
				}
			}
			wu.Warmup(startCtx, eng)
			state.SetReady(true)

			go func() {
				defer close(done)
				if err := eng.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("trading: engine stopped: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			state.SetReady(false)
			eng.Stop()
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func Module() fx.Option {
	return fx.Module("trading",
		fx.Provide(
			func(cfg *config.Config) (*risk.Manager, error) { return risk.NewManager(cfg.Risk) },
			func(cfg *config.Config) (strategy.Strategy, error) { return strategy.New(cfg.Strategy) },
			NewPortfolio,
			NewExecutor,
			NewEngine,
			// adapters: *portfolio.Manager -> health.Portfolio, *engine.Engine -> health.Reporter
			func(m *portfolio.Manager) health.Portfolio { return m },
			func(e *engine.Engine) health.Reporter { return e },
		),
		fx.Invoke(Run),
	)
}
