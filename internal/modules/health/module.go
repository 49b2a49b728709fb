package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"position_bot/internal/engine"
	"position_bot/internal/models"
	"position_bot/internal/modules/config"
	"position_bot/internal/modules/health/service"
	"position_bot/pkg/logger"
)

type Config struct {
	Addr string // e.g. ":8080"
	// StaleAfter marks the service not ready when no cycle completed for that long.
	StaleAfter time.Duration
}

func NewConfig(cfg *config.Config) Config {
	return Config{
		Addr:       cfg.Service.HealthAddr,
		StaleAfter: 3*cfg.Trading.Interval + cfg.Trading.ErrorBackoff,
	}
}

// Portfolio is the read side served on /portfolio.
type Portfolio interface {
	Snapshot() models.PortfolioSnapshot
}

// Reporter serves the performance summary on /summary.
type Reporter interface {
	Summary(ctx context.Context) (engine.Summary, error)
}

const summaryTimeout = 10 * time.Second

func NewMux(state *service.State, cfg Config, pf Portfolio, rep Reporter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if state.Stale(cfg.StaleAfter, time.Now()) {
			http.Error(w, "trading loop stalled", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"ready":           state.Ready(),
			"streamConnected": state.StreamConnected(),
			"uptimeSec":       int64(state.Uptime().Seconds()),
			"cycles":          state.Cycles(),
			"lastCycleUnix": func() int64 {
				t := state.LastCycle()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/portfolio", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, pf.Snapshot())
	})

	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), summaryTimeout)
		defer cancel()
		sum, err := rep.Summary(ctx)
		if err != nil {
			logger.Warn("health: summary: %v", err)
			http.Error(w, "summary unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, sum)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		logger.Error("health: encode response: %v", err)
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func RunHTTP(lc fx.Lifecycle, cfg Config, mux *http.ServeMux) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			logger.Info("health: listening on %s", ln.Addr())
			go func() { _ = srv.Serve(ln) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			NewConfig,
			NewMux,
		),
		fx.Invoke(RunHTTP),
	)
}
