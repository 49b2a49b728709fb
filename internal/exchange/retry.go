package exchange

import (
	"context"
	"errors"
	"time"

	"position_bot/internal/metrics"
	"position_bot/internal/models"
	"position_bot/pkg/logger"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy is the one place retry decisions are made. Reads are retried on
// network and rate-limit errors. Orders are retried on rate limits only: a
// network error on an order is ambiguous and retrying could double-fill.
type RetryPolicy struct {
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// RateLimitInterval is the minimum wait after a rate-limit rejection.
	RateLimitInterval time.Duration `yaml:"rate_limit_interval"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:          4,
		InitialInterval:   500 * time.Millisecond,
		MaxInterval:       30 * time.Second,
		RateLimitInterval: 2 * time.Second,
	}
}

// classifiedBackOff stretches the next wait after a rate-limit rejection.
type classifiedBackOff struct {
	exp        *backoff.ExponentialBackOff
	rateLimit  time.Duration
	lastKind   Kind
	retryAfter time.Duration
}

func (b *classifiedBackOff) NextBackOff() time.Duration {
	d := b.exp.NextBackOff()
	if b.lastKind == KindRateLimit {
		if b.rateLimit > d {
			d = b.rateLimit
		}
		if b.retryAfter > d {
			d = b.retryAfter
		}
	}
	return d
}

func (b *classifiedBackOff) Reset() { b.exp.Reset() }

func (p RetryPolicy) backOff() *classifiedBackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	return &classifiedBackOff{exp: exp, rateLimit: p.RateLimitInterval}
}

// retryable reports whether an error of kind k may be retried for a call that
// is (or is not) safe to repeat.
func retryable(k Kind, idempotent bool) bool {
	switch k {
	case KindRateLimit:
		return true
	case KindNetwork:
		return idempotent
	default:
		return false
	}
}

func run[T any](ctx context.Context, p RetryPolicy, op string, idempotent bool, fn func(context.Context) (T, error)) (T, error) {
	bo := p.backOff()
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	operation := func() (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		kind := Classify(err)
		bo.lastKind = kind
		bo.retryAfter = 0
		var xe *Error
		if errors.As(err, &xe) {
			bo.retryAfter = xe.RetryAfter
		}
		if !retryable(kind, idempotent) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.ExchangeRetries.WithLabelValues(op, bo.lastKind.String()).Inc()
			logger.Warn("exchange: %s failed (%v), retrying in %s", op, err, wait)
		}),
	)
}

// Retrying applies a RetryPolicy to every call of the wrapped client.
type Retrying struct {
	next   Client
	policy RetryPolicy
}

var _ Client = (*Retrying)(nil)

func WithRetry(next Client, policy RetryPolicy) *Retrying {
	return &Retrying{next: next, policy: policy}
}

func (r *Retrying) Name() string { return r.next.Name() }

func (r *Retrying) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	return run(ctx, r.policy, "get_ticker", true, func(ctx context.Context) (models.Ticker, error) {
		return r.next.GetTicker(ctx, symbol)
	})
}

func (r *Retrying) GetBalance(ctx context.Context) (models.Balance, error) {
	return run(ctx, r.policy, "get_balance", true, func(ctx context.Context) (models.Balance, error) {
		return r.next.GetBalance(ctx)
	})
}

func (r *Retrying) CreateMarketBuyOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	return run(ctx, r.policy, "market_buy", false, func(ctx context.Context) (*models.Order, error) {
		return r.next.CreateMarketBuyOrder(ctx, symbol, amount)
	})
}

func (r *Retrying) CreateMarketSellOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	return run(ctx, r.policy, "market_sell", false, func(ctx context.Context) (*models.Order, error) {
		return r.next.CreateMarketSellOrder(ctx, symbol, amount)
	})
}

func (r *Retrying) GetPositions(ctx context.Context, symbol string) ([]map[string]any, error) {
	return run(ctx, r.policy, "get_positions", true, func(ctx context.Context) ([]map[string]any, error) {
		return r.next.GetPositions(ctx, symbol)
	})
}

func (r *Retrying) MinOrderQty(ctx context.Context, symbol string) (float64, error) {
	return run(ctx, r.policy, "min_order_qty", true, func(ctx context.Context) (float64, error) {
		return r.next.MinOrderQty(ctx, symbol)
	})
}

// RecentCloses forwards to the wrapped client and fails with ErrNotSupported
// when it has no candles.
func (r *Retrying) RecentCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	src, ok := r.next.(CandleSource)
	if !ok {
		return nil, ErrNotSupported
	}
	return run(ctx, r.policy, "get_klines", true, func(ctx context.Context) ([]float64, error) {
		return src.RecentCloses(ctx, symbol, interval, limit)
	})
}
