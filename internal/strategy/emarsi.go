package strategy

import (
	"fmt"
	"sync"

	"position_bot/internal/models"
)

// EMARSI buys a dip in an uptrend (short EMA above long, RSI oversold) and
// sells a bounce in a downtrend (short EMA below long, RSI overbought).
type EMARSI struct {
	cfg Config

	mu    sync.Mutex
	state map[string]*emaRSIState
}

type emaRSIState struct {
	short emaState
	long  emaState
	rsi   rsiState
	// samples counts prices after the first one
	samples int
}

type rsiState struct {
	prev        float64
	avgGain     float64
	avgLoss     float64
	value       float64
	initialized bool
}

var _ Strategy = (*EMARSI)(nil)

func NewEMARSI(cfg Config) *EMARSI {
	return &EMARSI{cfg: cfg, state: map[string]*emaRSIState{}}
}

func (s *EMARSI) Name() models.StrategyType { return models.StrategyEMARSI }

func (s *EMARSI) symbolState(symbol string) *emaRSIState {
	st := s.state[symbol]
	if st == nil {
		st = &emaRSIState{short: newEMA(s.cfg.EMAShort), long: newEMA(s.cfg.EMALong)}
		s.state[symbol] = st
	}
	return st
}

func (s *EMARSI) warmup() int {
	w := s.cfg.EMALong
	if s.cfg.RSIPeriod+1 > w {
		w = s.cfg.RSIPeriod + 1
	}
	return w
}

func (s *EMARSI) OnPrice(symbol string, price float64) models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.symbolState(symbol)
	st.short.Update(price)
	st.long.Update(price)

	r := &st.rsi
	if !r.initialized {
		r.prev = price
		r.initialized = true
		return models.Signal{Symbol: symbol, Side: models.SignalNone, Price: price, Strategy: s.Name()}
	}

	change := price - r.prev
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	// Wilder smoothing
	alpha := 1.0 / float64(s.cfg.RSIPeriod)
	if r.avgGain == 0 && r.avgLoss == 0 {
		r.avgGain, r.avgLoss = gain, loss
	} else {
		r.avgGain = (1-alpha)*r.avgGain + alpha*gain
		r.avgLoss = (1-alpha)*r.avgLoss + alpha*loss
	}
	r.prev = price

	switch {
	case r.avgLoss == 0 && r.avgGain == 0:
		r.value = 50
	case r.avgLoss == 0:
		r.value = 100
	default:
		r.value = 100 - 100/(1+r.avgGain/r.avgLoss)
	}

	st.samples++
	sig := models.Signal{Symbol: symbol, Side: models.SignalNone, Price: price, Strategy: s.Name()}
	if st.samples < s.warmup() {
		return sig
	}

	short, long := st.short.Value(), st.long.Value()
	switch {
	case short > long && r.value < s.cfg.RSIOversold:
		sig.Side = models.SignalBuy
	case short < long && r.value > s.cfg.RSIOverbought:
		sig.Side = models.SignalSell
	default:
		return sig
	}
	sig.Reason = fmt.Sprintf("EMA/RSI %s @ %.5f (ema %.4f/%.4f rsi %.2f)", sig.Side, price, short, long, r.value)
	return sig
}

// Ready reports whether symbol has seen enough prices to signal.
func (s *EMARSI) Ready(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[symbol]
	return ok && st.samples >= s.warmup()
}

func (s *EMARSI) Dump(symbol string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[symbol]
	if !ok {
		return "EMA_S=0 EMA_L=0 RSI=0"
	}
	return fmt.Sprintf("EMA_S=%.4f EMA_L=%.4f RSI=%.2f", st.short.Value(), st.long.Value(), st.rsi.value)
}
