package models

import (
	"strings"
	"time"
)

// OrderSide is the direction of an order, not of a position.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

const OrderTypeMarket = "market"

// Trade is an append-only record of one executed order.
type Trade struct {
	ID             int64          `json:"id,omitempty"`
	Symbol         string         `json:"symbol"`
	Side           OrderSide      `json:"side"`
	OrderType      string         `json:"order_type"`
	Amount         float64        `json:"amount"`
	Price          float64        `json:"price"`
	Cost           float64        `json:"cost"`
	Fee            float64        `json:"fee"`
	Timestamp      time.Time      `json:"timestamp"`
	PositionID     string         `json:"position_id,omitempty"`
	AdditionalInfo map[string]any `json:"additional_info,omitempty"`
}

// Order is the exchange's (or the simulator's) view of a placed order. Fee is
// in the quote currency when FeeAsset is empty, the quote or the base;
// commission paid in any other asset stays in that asset. BaseFee is the
// commission taken out of the base amount, already counted in Fee.
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Type      string    `json:"type"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Cost      float64   `json:"cost"`
	Filled    float64   `json:"filled"`
	Fee       float64   `json:"fee"`
	FeeAsset  string    `json:"fee_asset,omitempty"`
	BaseFee   float64   `json:"base_fee,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// FeeInQuote reports whether Fee is denominated in the quote currency of
// symbol.
func (o *Order) FeeInQuote(symbol string) bool {
	if o.FeeAsset == "" {
		return true
	}
	base, quote := SplitSymbol(symbol)
	return strings.EqualFold(o.FeeAsset, quote) || strings.EqualFold(o.FeeAsset, base)
}

type Ticker struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Balance holds per-currency amounts as reported by the exchange.
type Balance struct {
	Free  map[string]float64 `json:"free"`
	Used  map[string]float64 `json:"used"`
	Total map[string]float64 `json:"total"`
}
