// Package events is the in-process publish/subscribe bus shared by the
// portfolio, the executor and the notification relays.
package events

import (
	"sync"
	"time"

	"position_bot/pkg/logger"
)

type Type string

const (
	PortfolioUpdated Type = "PORTFOLIO_UPDATED"
	BalanceChanged   Type = "BALANCE_CHANGED"

	TradeExecuted Type = "TRADE_EXECUTED"
	OrderCreated  Type = "ORDER_CREATED"
	OrderFilled   Type = "ORDER_FILLED"

	PositionOpened      Type = "POSITION_OPENED"
	PositionClosed      Type = "POSITION_CLOSED"
	PositionUpdated     Type = "POSITION_UPDATED"
	StopLossTriggered   Type = "STOP_LOSS_TRIGGERED"
	TakeProfitTriggered Type = "TAKE_PROFIT_TRIGGERED"

	SystemStartup  Type = "SYSTEM_STARTUP"
	SystemShutdown Type = "SYSTEM_SHUTDOWN"
	APIError       Type = "API_ERROR"
	DatabaseError  Type = "DATABASE_ERROR"
	TradingError   Type = "TRADING_ERROR"
)

const defaultHistory = 100

type Event struct {
	Type Type           `json:"type"`
	Data map[string]any `json:"data"`
	Time time.Time      `json:"time"`
}

type Handler func(Event)

// Publisher is the side of the bus the trading components depend on.
type Publisher interface {
	Publish(t Type, data map[string]any)
}

// Bus delivers events synchronously on the publisher's goroutine, so handlers
// must not block. A panicking handler is logged and skipped.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[Type]map[uint64]Handler
	all     map[uint64]Handler
	history []Event
	maxHist int
}

var _ Publisher = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Type]map[uint64]Handler),
		all:     make(map[uint64]Handler),
		maxHist: defaultHistory,
	}
}

// Subscribe registers h for t and returns a function that removes it.
func (b *Bus) Subscribe(t Type, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[t] == nil {
		b.subs[t] = make(map[uint64]Handler)
	}
	b.subs[t][id] = h

	return func() {
		b.mu.Lock()
		delete(b.subs[t], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all[id] = h

	return func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}
}

// Publish stamps data with a timestamp, records it in the history and calls
// every subscriber of t. data is copied, callers may reuse it.
func (b *Bus) Publish(t Type, data map[string]any) {
	ev := Event{Type: t, Time: time.Now(), Data: make(map[string]any, len(data)+1)}
	for k, v := range data {
		ev.Data[k] = v
	}
	if _, ok := ev.Data["timestamp"]; !ok {
		ev.Data["timestamp"] = ev.Time
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	handlers := make([]Handler, 0, len(b.subs[t])+len(b.all))
	for _, h := range b.subs[t] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.call(h, ev)
	}
}

func (b *Bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("events: handler for %s panicked: %v", ev.Type, r)
		}
	}()
	h(ev)
}

// Recent returns up to n most recent events, oldest first. An empty t means
// any type.
func (b *Bus) Recent(n int, t Type) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, n)
	for i := len(b.history) - 1; i >= 0 && len(out) < n; i-- {
		if t == "" || b.history[i].Type == t {
			out = append(out, b.history[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (b *Bus) ClearHistory() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}
