package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PositionSide is the direction of a position, not of an order.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// Close reasons reported by ShouldClosePosition.
const (
	ReasonStopLoss     = "stop loss reached"
	ReasonTakeProfit   = "take profit reached"
	ReasonTrailingStop = "trailing stop reached"
)

var (
	ErrInvalidSide   = errors.New("invalid position side")
	ErrInvalidAmount = errors.New("position amount must be positive")
	ErrInvalidPrice  = errors.New("entry price must be positive")
)

// PartialExit records one reduction of an open position.
type PartialExit struct {
	Time       time.Time `json:"time"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Percentage float64   `json:"percentage"`
	PnL        float64   `json:"pnl"`
	ProfitPct  float64   `json:"profit_pct"`
	ExitType   string    `json:"exit_type,omitempty"`
	ExitReason string    `json:"exit_reason,omitempty"`
}

// Position is a single open or closed holding. Zero numeric optionals mean "unset".
type Position struct {
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	Side       PositionSide   `json:"side"`
	Amount     float64        `json:"amount"`
	EntryPrice float64        `json:"entry_price"`
	Leverage   float64        `json:"leverage"`
	OpenedAt   time.Time      `json:"opened_at"`
	Status     PositionStatus `json:"status"`

	ExitPrice float64   `json:"exit_price,omitempty"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
	PnL       float64   `json:"pnl"`

	StopLoss             float64 `json:"stop_loss,omitempty"`
	TakeProfit           float64 `json:"take_profit,omitempty"`
	AutoSLTP             bool    `json:"auto_sl_tp"`
	TrailingStop         bool    `json:"trailing_stop"`
	TrailingStopDistance float64 `json:"trailing_stop_distance,omitempty"`
	TrailingStopPrice    float64 `json:"trailing_stop_price,omitempty"`
	ContractSize         float64 `json:"contract_size"`

	PartialExits   []PartialExit  `json:"partial_exits"`
	AdditionalInfo map[string]any `json:"additional_info"`
}

// NewPosition opens a position with a fresh id. side must be long or short.
func NewPosition(symbol string, side PositionSide, amount, entryPrice float64) (*Position, error) {
	if err := ValidateSide(side); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, entryPrice)
	}

	return &Position{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		Amount:         amount,
		EntryPrice:     entryPrice,
		Leverage:       1,
		OpenedAt:       time.Now(),
		Status:         StatusOpen,
		ContractSize:   1,
		PartialExits:   []PartialExit{},
		AdditionalInfo: map[string]any{},
	}, nil
}

func ValidateSide(side PositionSide) error {
	switch side {
	case SideLong, SideShort:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
}

func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

func (p *Position) CalculateCurrentValue(price float64) float64 {
	return p.Amount * price
}

// CalculateUnrealizedPnl returns 0 for an unknown side.
func (p *Position) CalculateUnrealizedPnl(price float64) float64 {
	switch p.Side {
	case SideLong:
		return (price - p.EntryPrice) * p.Amount
	case SideShort:
		return (p.EntryPrice - price) * p.Amount
	}
	return 0
}

func (p *Position) CalculateUnrealizedPnlPercentage(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	switch p.Side {
	case SideLong:
		return (price - p.EntryPrice) / p.EntryPrice * 100
	case SideShort:
		return (p.EntryPrice - price) / p.EntryPrice * 100
	}
	return 0
}

// UpdateTrailingStop moves the trailing stop only in the position's favor and
// reports whether it moved.
func (p *Position) UpdateTrailingStop(price float64) bool {
	if !p.TrailingStop || p.TrailingStopDistance == 0 {
		return false
	}

	switch p.Side {
	case SideLong:
		candidate := price - p.TrailingStopDistance
		if p.TrailingStopPrice == 0 || candidate > p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
			return true
		}
	case SideShort:
		candidate := price + p.TrailingStopDistance
		if p.TrailingStopPrice == 0 || candidate < p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
			return true
		}
	}
	return false
}

// ShouldClosePosition checks stop loss, take profit and trailing stop in that
// order and returns the first breached condition.
func (p *Position) ShouldClosePosition(price float64) (bool, string) {
	if p.Status != StatusOpen {
		return false, ""
	}

	long := p.Side == SideLong
	short := p.Side == SideShort

	if p.StopLoss > 0 {
		if (long && price <= p.StopLoss) || (short && price >= p.StopLoss) {
			return true, ReasonStopLoss
		}
	}
	if p.TakeProfit > 0 {
		if (long && price >= p.TakeProfit) || (short && price <= p.TakeProfit) {
			return true, ReasonTakeProfit
		}
	}
	if p.TrailingStop && p.TrailingStopPrice > 0 {
		if (long && price <= p.TrailingStopPrice) || (short && price >= p.TrailingStopPrice) {
			return true, ReasonTrailingStop
		}
	}
	return false, ""
}

// SetAutoSLTP installs protective levels. Zero levels leave the current value.
func (p *Position) SetAutoSLTP(stopLoss, takeProfit float64, trailing bool, trailingDistance float64) {
	if stopLoss > 0 {
		p.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
	}
	p.TrailingStop = trailing
	if trailingDistance > 0 {
		p.TrailingStopDistance = trailingDistance
	}
	p.AutoSLTP = stopLoss > 0 || takeProfit > 0 || trailing
}

// ClosePosition closes the whole remaining amount. It returns false if the
// position was already closed. A zero exitTime means now.
func (p *Position) ClosePosition(exitPrice float64, exitTime time.Time) bool {
	if p.Status == StatusClosed {
		return false
	}
	if exitTime.IsZero() {
		exitTime = time.Now()
	}

	p.Status = StatusClosed
	p.ExitPrice = exitPrice
	p.ClosedAt = exitTime
	p.PnL = p.CalculateUnrealizedPnl(exitPrice)
	return true
}

// AddPartialExit appends the record and reduces the remaining amount by it.
func (p *Position) AddPartialExit(exit PartialExit) {
	p.PartialExits = append(p.PartialExits, exit)
	p.Amount -= exit.Amount
}

// Contracts is the amount expressed in exchange contracts.
func (p *Position) Contracts() float64 {
	size := p.ContractSize
	if size == 0 {
		size = 1
	}
	return p.Amount * size
}

// Clone returns a deep copy safe to mutate before a change is persisted.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.PartialExits = append([]PartialExit(nil), p.PartialExits...)
	c.AdditionalInfo = make(map[string]any, len(p.AdditionalInfo))
	for k, v := range p.AdditionalInfo {
		c.AdditionalInfo[k] = v
	}
	return &c
}
