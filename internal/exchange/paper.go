package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"position_bot/internal/models"

	"github.com/google/uuid"
)

const paperFeeRate = 0.001

// Paper fills market orders instantly at the last set price against local
// balances. It backs the paper trading mode and the package tests.
type Paper struct {
	mu        sync.Mutex
	prices    map[string]float64
	balances  map[string]float64
	positions []map[string]any
	minQty    float64
	failNext  error
}

var _ Client = (*Paper)(nil)

func NewPaper(balances map[string]float64, minQty float64) *Paper {
	b := make(map[string]float64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &Paper{
		prices:   make(map[string]float64),
		balances: b,
		minQty:   minQty,
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[MarketSymbol(symbol)] = price
	p.mu.Unlock()
}

// SetPositions installs raw position records returned by GetPositions.
func (p *Paper) SetPositions(records []map[string]any) {
	p.mu.Lock()
	p.positions = records
	p.mu.Unlock()
}

// FailNext makes the next call return err.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

func (p *Paper) takeFailure() error {
	err := p.failNext
	p.failNext = nil
	return err
}

func (p *Paper) GetTicker(_ context.Context, symbol string) (models.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(); err != nil {
		return models.Ticker{}, err
	}
	px, ok := p.prices[MarketSymbol(symbol)]
	if !ok {
		return models.Ticker{}, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return models.Ticker{Symbol: symbol, Last: px, Time: time.Now()}, nil
}

func (p *Paper) GetBalance(context.Context) (models.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(); err != nil {
		return models.Balance{}, err
	}
	bal := models.Balance{
		Free:  make(map[string]float64, len(p.balances)),
		Used:  make(map[string]float64, len(p.balances)),
		Total: make(map[string]float64, len(p.balances)),
	}
	for k, v := range p.balances {
		bal.Free[k] = v
		bal.Used[k] = 0
		bal.Total[k] = v
	}
	return bal, nil
}

func (p *Paper) CreateMarketBuyOrder(_ context.Context, symbol string, amount float64) (*models.Order, error) {
	return p.fill(symbol, models.OrderBuy, amount)
}

func (p *Paper) CreateMarketSellOrder(_ context.Context, symbol string, amount float64) (*models.Order, error) {
	return p.fill(symbol, models.OrderSell, amount)
}

func (p *Paper) fill(symbol string, side models.OrderSide, amount float64) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	op := "market_" + string(side)
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	px, ok := p.prices[MarketSymbol(symbol)]
	if !ok {
		return nil, &Error{Kind: KindFatal, Op: op, Err: fmt.Errorf("%w: %s", ErrNoPrice, symbol)}
	}

	base, quote := models.SplitSymbol(symbol)
	cost := px * amount
	fee := cost * paperFeeRate

	switch side {
	case models.OrderBuy:
		if p.balances[quote] < cost+fee {
			return nil, &Error{Kind: KindFatal, Op: op, Err: ErrInsufficientBalance}
		}
		p.balances[quote] -= cost + fee
		p.balances[base] += amount
	case models.OrderSell:
		if p.balances[base] < amount {
			return nil, &Error{Kind: KindFatal, Op: op, Err: ErrInsufficientBalance}
		}
		p.balances[base] -= amount
		p.balances[quote] += cost - fee
	}

	return &models.Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      models.OrderTypeMarket,
		Amount:    amount,
		Price:     px,
		Cost:      cost,
		Filled:    amount,
		Fee:       fee,
		FeeAsset:  quote,
		Status:    "closed",
		Timestamp: time.Now(),
	}, nil
}

func (p *Paper) GetPositions(context.Context, string) ([]map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	if p.positions == nil {
		return nil, ErrNotSupported
	}
	return p.positions, nil
}

func (p *Paper) MinOrderQty(context.Context, string) (float64, error) {
	return p.minQty, nil
}
