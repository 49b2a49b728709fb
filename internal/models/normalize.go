package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var ErrUnsupportedPosition = errors.New("unsupported position representation")

// NormalizePosition converts any accepted position representation into the
// canonical entity: *Position, Position, or a raw record as returned by an
// exchange or an older store (map[string]any, with the quantity/contracts and
// created_at aliases). The result never aliases a map input.
func NormalizePosition(v any) (*Position, error) {
	switch p := v.(type) {
	case *Position:
		if p == nil {
			return nil, ErrUnsupportedPosition
		}
		if err := ValidateSide(p.Side); err != nil {
			return nil, err
		}
		return p, nil
	case Position:
		if err := ValidateSide(p.Side); err != nil {
			return nil, err
		}
		return &p, nil
	case map[string]any:
		return positionFromRecord(p)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPosition, v)
	}
}

func positionFromRecord(r map[string]any) (*Position, error) {
	for _, k := range []string{"symbol", "side", "entry_price"} {
		if _, ok := r[k]; !ok {
			return nil, fmt.Errorf("position record: missing field %q", k)
		}
	}

	p := &Position{
		ID:             str(r["id"]),
		Symbol:         str(r["symbol"]),
		Side:           PositionSide(str(r["side"])),
		EntryPrice:     num(r["entry_price"]),
		Leverage:       num(r["leverage"]),
		Status:         PositionStatus(str(r["status"])),
		ExitPrice:      num(r["exit_price"]),
		PnL:            num(r["pnl"]),
		StopLoss:       num(r["stop_loss"]),
		TakeProfit:     num(r["take_profit"]),
		AutoSLTP:       boolean(r["auto_sl_tp"]),
		TrailingStop:   boolean(r["trailing_stop"]),
		ContractSize:   num(r["contract_size"]),
		PartialExits:   []PartialExit{},
		AdditionalInfo: map[string]any{},
	}
	p.TrailingStopDistance = num(r["trailing_stop_distance"])
	p.TrailingStopPrice = num(r["trailing_stop_price"])

	if err := ValidateSide(p.Side); err != nil {
		return nil, err
	}
	if p.ContractSize == 0 {
		p.ContractSize = 1
	}
	if p.Leverage == 0 {
		p.Leverage = 1
	}
	if p.Status == "" {
		p.Status = StatusOpen
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	switch {
	case r["amount"] != nil:
		p.Amount = num(r["amount"])
	case r["quantity"] != nil:
		p.Amount = num(r["quantity"])
	case r["contracts"] != nil:
		p.Amount = num(r["contracts"]) / p.ContractSize
	default:
		return nil, fmt.Errorf("position record: missing field %q", "amount")
	}

	opened := r["opened_at"]
	if opened == nil {
		opened = r["created_at"]
	}
	p.OpenedAt = timestamp(opened)
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	p.ClosedAt = timestamp(r["closed_at"])

	if info, ok := r["additional_info"].(map[string]any); ok {
		for k, v := range info {
			p.AdditionalInfo[k] = v
		}
	}
	return p, nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	}
	return 0
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func timestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case int64:
		return time.UnixMilli(t)
	case float64:
		return time.UnixMilli(int64(t))
	}
	return time.Time{}
}
