package models

import (
	"strings"
	"time"
)

// PortfolioSnapshot is a read-only copy of a portfolio's state.
type PortfolioSnapshot struct {
	Symbol        string      `json:"symbol"`
	BaseCurrency  string      `json:"base_currency"`
	QuoteCurrency string      `json:"quote_currency"`
	BaseBalance   float64     `json:"base_balance"`
	QuoteBalance  float64     `json:"quote_balance"`
	Positions     []*Position `json:"positions"`
	TradeCount    int         `json:"trade_count"`
	TestMode      bool        `json:"test_mode"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// OpenPositions returns the open subset in insertion order.
func (s PortfolioSnapshot) OpenPositions() []*Position {
	out := make([]*Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

var knownQuotes = []string{"USDT", "USDC", "BUSD", "FDUSD", "KRW", "USD", "EUR", "BTC", "ETH", "BNB"}

// SplitSymbol splits BASE/QUOTE, BASE-QUOTE or BASEQUOTE (known quote suffix).
func SplitSymbol(symbol string) (base, quote string) {
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(symbol, sep); i > 0 {
			return symbol[:i], symbol[i+1:]
		}
	}
	up := strings.ToUpper(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(up, q) && len(up) > len(q) {
			return symbol[:len(symbol)-len(q)], symbol[len(symbol)-len(q):]
		}
	}
	return symbol, ""
}

// BotState is the persisted run state used to resume after a restart.
type BotState struct {
	Symbol     string         `json:"symbol"`
	Exchange   string         `json:"exchange"`
	TestMode   bool           `json:"test_mode"`
	Running    bool           `json:"running"`
	LastSignal SignalSide     `json:"last_signal"`
	Parameters map[string]any `json:"parameters,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
