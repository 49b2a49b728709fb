package events

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestBusDeliversAndUnsubscribes(t *testing.T) {
	bus := NewBus()

	var got []Event
	unsub := bus.Subscribe(PositionOpened, func(ev Event) { got = append(got, ev) })

	bus.Publish(PositionOpened, map[string]any{"id": "p1"})
	bus.Publish(PositionClosed, map[string]any{"id": "p1"})

	if len(got) != 1 || got[0].Data["id"] != "p1" {
		t.Fatalf("events = %+v", got)
	}
	if _, ok := got[0].Data["timestamp"]; !ok {
		t.Fatal("timestamp not added")
	}

	unsub()
	bus.Publish(PositionOpened, map[string]any{"id": "p2"})
	if len(got) != 1 {
		t.Fatalf("handler called after unsubscribe: %d", len(got))
	}
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus()
	called := false
	bus.Subscribe(TradeExecuted, func(Event) { panic("boom") })
	bus.SubscribeAll(func(Event) { called = true })

	bus.Publish(TradeExecuted, nil)
	if !called {
		t.Fatal("second handler not called after panic")
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 150; i++ {
		typ := TradeExecuted
		if i%2 == 0 {
			typ = PortfolioUpdated
		}
		bus.Publish(typ, map[string]any{"i": i})
	}

	if all := bus.Recent(1000, ""); len(all) != defaultHistory {
		t.Fatalf("history = %d, want %d", len(all), defaultHistory)
	}
	last := bus.Recent(3, TradeExecuted)
	if len(last) != 3 || last[2].Data["i"] != 149 || last[0].Data["i"] != 145 {
		t.Fatalf("recent trades = %+v", last)
	}

	bus.ClearHistory()
	if len(bus.Recent(10, "")) != 0 {
		t.Fatal("history not cleared")
	}
}

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	payloads []string
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func TestRedisRelayPublishesJSON(t *testing.T) {
	bus := NewBus()
	rdb := &fakeRedis{}
	relay := NewRedisRelay(rdb, "bot")
	relay.Attach(context.Background(), bus)

	bus.Publish(PositionClosed, map[string]any{"position_id": "abc", "pnl": 12.5})
	relay.Close()

	rdb.mu.Lock()
	defer rdb.mu.Unlock()
	if len(rdb.channels) != 1 || rdb.channels[0] != "bot:POSITION_CLOSED" {
		t.Fatalf("channels = %v", rdb.channels)
	}
	if !strings.Contains(rdb.payloads[0], `"position_id":"abc"`) {
		t.Fatalf("payload = %s", rdb.payloads[0])
	}
}

func TestRedisRelayEnqueueAfterClose(t *testing.T) {
	rdb := &fakeRedis{}
	relay := NewRedisRelay(rdb, "bot")
	relay.Attach(context.Background(), NewBus())
	relay.Close()

	// must not send on the closed queue
	relay.enqueue(Event{Type: PositionOpened})
	relay.Close()

	rdb.mu.Lock()
	defer rdb.mu.Unlock()
	if len(rdb.channels) != 0 {
		t.Fatalf("channels = %v", rdb.channels)
	}
}

func TestRedisRelayCloseWhilePublishing(t *testing.T) {
	bus := NewBus()
	relay := NewRedisRelay(&fakeRedis{}, "bot")
	relay.Attach(context.Background(), bus)

	panicked := make(chan Event, 1)
	bus.SubscribeAll(func(ev Event) {
		defer func() {
			if recover() != nil {
				select {
				case panicked <- ev:
				default:
				}
			}
		}()
		relay.enqueue(ev)
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bus.Publish(TradeExecuted, nil)
			}
		}()
	}
	relay.Close()
	wg.Wait()

	select {
	case ev := <-panicked:
		t.Fatalf("enqueue panicked on %s", ev.Type)
	default:
	}
}
