package exchange

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"position_bot/internal/models"
	"position_bot/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

const defaultStreamURL = "wss://stream.binance.com:9443/ws"

// TickerStream keeps the last traded price of one symbol from the exchange's
// websocket ticker channel, reconnecting until ctx is done.
type TickerStream struct {
	url      string
	symbol   string
	dialer   *websocket.Dialer
	onStatus func(connected bool)

	mu      sync.RWMutex
	last    float64
	updated time.Time
}

func NewTickerStream(baseURL, symbol string, onStatus func(bool)) *TickerStream {
	if baseURL == "" {
		baseURL = defaultStreamURL
	}
	if onStatus == nil {
		onStatus = func(bool) {}
	}
	return &TickerStream{
		url:      strings.TrimRight(baseURL, "/") + "/" + strings.ToLower(MarketSymbol(symbol)) + "@ticker",
		symbol:   symbol,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onStatus: onStatus,
	}
}

// Last returns the cached price and when it was received.
func (s *TickerStream) Last() (float64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.updated
}

func (s *TickerStream) set(price float64) {
	s.mu.Lock()
	s.last = price
	s.updated = time.Now()
	s.mu.Unlock()
}

// Run blocks until ctx is done.
func (s *TickerStream) Run(ctx context.Context) {
	retry := 0
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			retry++
			wait := time.Duration(300*retry) * time.Millisecond
			if wait > 10*time.Second {
				wait = 10 * time.Second
			}
			logger.Warn("ticker stream: dial %s: %v (retry in %s)", s.url, err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry = 0
		s.onStatus(true)

		// unblock ReadMessage when ctx ends
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stop:
			}
		}()

		s.read(conn)
		close(stop)
		_ = conn.Close()
		s.onStatus(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *TickerStream) read(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("ticker stream: read: %v", err)
			return
		}
		var frame struct {
			Event string `json:"e"`
			Last  string `json:"c"`
		}
		if err := sonic.Unmarshal(msg, &frame); err != nil || frame.Event != "24hrTicker" {
			continue
		}
		if px, err := strconv.ParseFloat(frame.Last, 64); err == nil && px > 0 {
			s.set(px)
		}
	}
}

// Streamed serves GetTicker from a TickerStream while its price is fresher
// than maxAge and falls through to the wrapped client otherwise.
type Streamed struct {
	Client
	stream *TickerStream
	maxAge time.Duration
}

func WithTickerStream(next Client, stream *TickerStream, maxAge time.Duration) *Streamed {
	return &Streamed{Client: next, stream: stream, maxAge: maxAge}
}

func (s *Streamed) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	if MarketSymbol(symbol) == MarketSymbol(s.stream.symbol) {
		if px, at := s.stream.Last(); px > 0 && time.Since(at) <= s.maxAge {
			return models.Ticker{Symbol: symbol, Last: px, Time: at}, nil
		}
	}
	return s.Client.GetTicker(ctx, symbol)
}

func (s *Streamed) RecentCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	src, ok := s.Client.(CandleSource)
	if !ok {
		return nil, ErrNotSupported
	}
	return src.RecentCloses(ctx, symbol, interval, limit)
}
