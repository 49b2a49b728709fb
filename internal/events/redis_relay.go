package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"position_bot/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const relayBuffer = 256

// RedisConfig holds connection parameters for the relay.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisRelay forwards every bus event as JSON to the Redis Pub/Sub channel
// "<channel>:<TYPE>". Events are queued and dropped when the queue is full, so
// publishing on the bus never waits on Redis.
type RedisRelay struct {
	rdb     redisPublisher
	channel string
	queue   chan Event

	unsubscribe func()
	wg          sync.WaitGroup

	// mu guards closed and sends on queue; the bus may still be running a
	// handler it snapshotted before unsubscribe.
	mu     sync.Mutex
	closed bool
}

// DialRedis creates a client and pings it.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

func NewRedisRelay(rdb redisPublisher, channel string) *RedisRelay {
	if channel == "" {
		channel = "position_bot"
	}
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		queue:   make(chan Event, relayBuffer),
	}
}

// Attach subscribes the relay to every event on bus and starts the sender.
func (r *RedisRelay) Attach(ctx context.Context, bus *Bus) {
	r.unsubscribe = bus.SubscribeAll(r.enqueue)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.queue:
				if !ok {
					return
				}
				r.send(ctx, ev)
			}
		}
	}()
}

func (r *RedisRelay) enqueue(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		logger.Warn("redis relay: queue full, dropping %s", ev.Type)
	}
}

func (r *RedisRelay) send(ctx context.Context, ev Event) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		logger.Error("redis relay: marshal %s: %v", ev.Type, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	channel := r.channel + ":" + string(ev.Type)
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		logger.Error("redis relay: publish %s: %v", channel, err)
	}
}

// Close detaches from the bus, flushes queued events and waits for the sender.
// Events arriving after Close are dropped. Close is safe to call twice.
func (r *RedisRelay) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}
