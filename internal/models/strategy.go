package models

type StrategyType string

const (
	StrategyEMARSI StrategyType = "emarsi"
)

type Signal struct {
	Symbol   string
	Side     SignalSide // BUY / SELL / ""
	Price    float64
	Strategy StrategyType
	Reason   string
}

type SignalSide string

const (
	SignalNone SignalSide = ""
	SignalBuy  SignalSide = "BUY"
	SignalSell SignalSide = "SELL"
)
