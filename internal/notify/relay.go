package notify

import (
	"fmt"
	"strings"
	"sync"

	"position_bot/internal/events"
	"position_bot/internal/models"
	"position_bot/pkg/logger"
)

const relayBuffer = 64

// Relay forwards selected bus events to a Notifier from its own goroutine.
// Events arriving while the queue is full are dropped.
type Relay struct {
	n     Notifier
	queue chan string

	unsubscribe []func()
	wg          sync.WaitGroup
	once        sync.Once

	mu     sync.Mutex
	closed bool
}

// relayed are the event types worth a chat message.
var relayed = []events.Type{
	events.PositionOpened,
	events.PositionClosed,
	events.StopLossTriggered,
	events.TakeProfitTriggered,
	events.TradingError,
	events.SystemStartup,
	events.SystemShutdown,
}

func NewRelay(n Notifier) *Relay {
	return &Relay{n: n, queue: make(chan string, relayBuffer)}
}

func (r *Relay) Attach(bus *events.Bus) {
	for _, t := range relayed {
		r.unsubscribe = append(r.unsubscribe, bus.Subscribe(t, r.enqueue))
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range r.queue {
			r.n.Send(msg)
		}
	}()
}

func (r *Relay) enqueue(ev events.Event) {
	msg, ok := Format(ev)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- msg:
	default:
		logger.Warn("notify: queue full, dropping %s", ev.Type)
	}
}

// Close unsubscribes and waits for queued messages to be sent.
func (r *Relay) Close() {
	r.once.Do(func() {
		for _, u := range r.unsubscribe {
			u()
		}
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
	})
}

// Format renders ev as a chat message. ok is false for events not meant for chat.
func Format(ev events.Event) (string, bool) {
	d := ev.Data
	switch ev.Type {
	case events.PositionOpened:
		p, ok := d["position"].(*models.Position)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("🟢 Opened %s %s %.8f @ %.2f sl=%.2f tp=%.2f",
			strings.ToUpper(string(p.Side)), p.Symbol, p.Amount, p.EntryPrice, p.StopLoss, p.TakeProfit), true

	case events.PositionClosed:
		p, ok := d["position"].(*models.Position)
		if !ok {
			return "", false
		}
		emoji := "✅"
		if p.PnL < 0 {
			emoji = "🔻"
		}
		reason, _ := p.AdditionalInfo["exit_reason"].(string)
		msg := fmt.Sprintf("%s Closed %s %s @ %.2f pnl=%.2f", emoji, strings.ToUpper(string(p.Side)), p.Symbol, p.ExitPrice, p.PnL)
		if reason != "" {
			msg += " (" + reason + ")"
		}
		return msg, true

	case events.StopLossTriggered, events.TakeProfitTriggered:
		return fmt.Sprintf("⚠️ %v for %v at %v", d["reason"], d["position_id"], d["price"]), true

	case events.TradingError:
		if e, ok := d["error"]; ok {
			return fmt.Sprintf("❗️ %v failed: %v", d["operation"], e), true
		}
		return fmt.Sprintf("❗️ %v blocked: %v", d["operation"], d["warnings"]), true

	case events.SystemStartup:
		return fmt.Sprintf("🚀 Started %v (test_mode=%v)", d["symbol"], d["test_mode"]), true

	case events.SystemShutdown:
		return fmt.Sprintf("⛔️ Stopped %v", d["symbol"]), true
	}
	return "", false
}
